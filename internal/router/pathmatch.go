package router

import "strings"

// MatchPath reports whether requestPath equals mountPath or sits below it on
// a segment boundary ("/rpc" matches "/rpc" and "/rpc/context").
//
// Query strings are not considered (caller should pass URL.Path only).
func MatchPath(requestPath, mountPath string) bool {
	if mountPath == "" {
		return false
	}
	if mountPath == "/" {
		return true
	}
	if requestPath == mountPath {
		return true
	}
	if strings.HasPrefix(requestPath, mountPath) && len(requestPath) > len(mountPath) && requestPath[len(mountPath)] == '/' {
		return true
	}
	return false
}

// Subpath returns the first path segment below mountPath, or "" when
// requestPath is the mount itself. ok is false when the path does not match.
func Subpath(requestPath, mountPath string) (segment string, ok bool) {
	if !MatchPath(requestPath, mountPath) {
		return "", false
	}
	rest := requestPath
	if mountPath != "/" {
		rest = strings.TrimPrefix(requestPath, mountPath)
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", true
	}
	if strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
