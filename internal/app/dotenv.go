package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadDotenv sets the variables from a .env file that are not already set
// to a non-empty value. It returns how many variables it set.
func loadDotenv(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for lineNo := 1; sc.Scan(); lineNo++ {
		key, val, ok, err := parseDotenvLine(sc.Text())
		if err != nil {
			return set, fmt.Errorf(".env line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		if cur, exists := os.LookupEnv(key); exists && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf(".env line %d: %w", lineNo, err)
		}
		set++
	}
	return set, sc.Err()
}

// parseDotenvLine returns ok=false for blank and comment lines.
func parseDotenvLine(raw string) (key, val string, ok bool, err error) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false, fmt.Errorf("missing '='")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false, fmt.Errorf("empty key")
	}
	val = strings.TrimSpace(val)
	switch {
	case len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"':
		val, err = strconv.Unquote(val)
		if err != nil {
			return "", "", false, err
		}
	case len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'':
		val = val[1 : len(val)-1]
	default:
		// Unquoted values may carry a trailing " # comment".
		if i := strings.Index(val, " #"); i >= 0 {
			val = strings.TrimSpace(val[:i])
		}
	}
	return key, val, true, nil
}
