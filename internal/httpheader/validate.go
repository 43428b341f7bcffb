// Package httpheader parses and validates raw HTTP header fields for the
// hand-rolled WebSocket handshake.
package httpheader

import (
	"fmt"
	"strings"
)

// Header holds parsed fields keyed by lower-case name. Repeated fields are
// joined with ", " as RFC 9110 allows for list-valued fields.
type Header map[string]string

func (h Header) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Add validates and stores one field.
func (h Header) Add(name, value string) error {
	if !validHeaderFieldName(name) {
		return fmt.Errorf("header %q has invalid field name", name)
	}
	if !validHeaderFieldValue(value) {
		return fmt.Errorf("header %q has invalid field value", name)
	}
	key := strings.ToLower(name)
	if prev, ok := h[key]; ok && prev != "" {
		h[key] = prev + ", " + value
		return nil
	}
	h[key] = value
	return nil
}

// ParseField splits a raw "Name: value" line. Whitespace before the colon
// is rejected; optional whitespace around the value is trimmed.
func ParseField(line string) (string, string, error) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", fmt.Errorf("malformed header line %q", line)
	}
	name := line[:colon]
	if strings.TrimSpace(name) != name {
		return "", "", fmt.Errorf("header %q has leading or trailing whitespace", name)
	}
	if !validHeaderFieldName(name) {
		return "", "", fmt.Errorf("header %q has invalid field name", name)
	}
	value := strings.Trim(line[colon+1:], " \t")
	if !validHeaderFieldValue(value) {
		return "", "", fmt.Errorf("header %q has invalid field value", name)
	}
	return name, value, nil
}

// HasToken reports whether a comma separated field value contains token,
// compared case-insensitively.
func HasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func validHeaderFieldName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isTokenByte(name[i]) {
			return false
		}
	}
	return true
}

func isTokenByte(b byte) bool {
	if b >= '0' && b <= '9' {
		return true
	}
	if b >= 'A' && b <= 'Z' {
		return true
	}
	if b >= 'a' && b <= 'z' {
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	default:
		return false
	}
}

func validHeaderFieldValue(value string) bool {
	for i := 0; i < len(value); i++ {
		b := value[i]
		if b == '\r' || b == '\n' || b == 0x7f {
			return false
		}
		if b < 0x20 && b != '\t' {
			return false
		}
	}
	return true
}
