// Package secrets resolves secret references used in engine environments.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

type scheme string

const (
	schemeEnv  scheme = "env"
	schemeFile scheme = "file"
	schemeRaw  scheme = "raw"
)

// splitRef returns the scheme and the remainder. env: and file: remainders
// are trimmed; raw: values keep their whitespace.
func splitRef(ref string) (scheme, string, error) {
	ref = strings.TrimLeft(ref, " \t\r\n")
	if strings.TrimSpace(ref) == "" {
		return "", "", fmt.Errorf("%w: empty", ErrSecretRef)
	}
	prefix, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing scheme (use env:, file: or raw:)", ErrSecretRef)
	}
	switch s := scheme(prefix); s {
	case schemeEnv, schemeFile:
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return "", "", fmt.Errorf("%w: %s reference is empty", ErrSecretRef, s)
		}
		return s, rest, nil
	case schemeRaw:
		if rest == "" {
			return "", "", fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
		return s, rest, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q (use env:, file: or raw:)", ErrSecretRef, prefix)
	}
}

// ValidateRef checks the reference format without loading the value.
//
// Supported forms:
//   - env:NAME
//   - file:/path/to/secret
//   - raw:literal-value
func ValidateRef(ref string) error {
	_, _, err := splitRef(ref)
	return err
}

// LoadRef loads the value a reference points to. File contents are trimmed.
func LoadRef(ref string) (string, error) {
	s, rest, err := splitRef(ref)
	if err != nil {
		return "", err
	}
	switch s {
	case schemeEnv:
		val, ok := os.LookupEnv(rest)
		if !ok || val == "" {
			return "", fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, rest)
		}
		return val, nil
	case schemeFile:
		b, err := os.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSecretRef, err)
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return "", fmt.Errorf("%w: file %q is empty", ErrSecretRef, rest)
		}
		return val, nil
	default:
		return rest, nil
	}
}

// IsRef reports whether value starts with a supported scheme.
func IsRef(value string) bool {
	prefix, _, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return false
	}
	switch scheme(prefix) {
	case schemeEnv, schemeFile, schemeRaw:
		return true
	}
	return false
}

// ResolveEnv turns KEY -> value pairs into KEY=VALUE entries, sorted by
// key. Values that are references are loaded, anything else is taken
// literally. Every failing key is reported.
func ResolveEnv(refs map[string]string) ([]string, error) {
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	var errs []error
	for _, k := range keys {
		val := refs[k]
		if !IsRef(val) {
			out = append(out, k+"="+val)
			continue
		}
		val, err := LoadRef(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		out = append(out, k+"="+val)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
