package store

import (
	"fmt"
	"strings"
)

const maxIDLen = 128

// SanitizeID validates id for use as a backend key component and a
// filesystem directory name. IDs come from operators and the ingest tool,
// not end users, so invalid ones are rejected rather than rewritten.
func SanitizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("store: empty package id")
	}
	if len(id) > maxIDLen {
		return "", fmt.Errorf("store: package id longer than %d bytes", maxIDLen)
	}
	if id[0] == '.' || id[0] == '-' {
		return "", fmt.Errorf("store: package id %q starts with %q", id, id[0])
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", fmt.Errorf("store: package id %q contains %q", id, r)
		}
	}
	return id, nil
}
