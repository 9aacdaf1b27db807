package node

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ResolveBeneath joins a client supplied name onto root. Names that would
// leave root once cleaned (through "..", or by being absolute after the
// leading slash is stripped) are rejected rather than normalised.
func ResolveBeneath(root, name string) (string, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, name)
	}
	rel := strings.TrimLeft(name, "/")
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, name)
		}
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	within, err := filepath.Rel(filepath.Clean(root), full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, name)
	}
	return full, nil
}

// ValidFileName accepts a bare upload name: no separators, no NUL, not a
// dot entry.
func ValidFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// DecodePath percent-decodes an HTTP request path. A trailing "?" with an
// empty query is dropped.
func DecodePath(escaped string) (string, error) {
	escaped = strings.TrimSuffix(escaped, "?")
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return decoded, nil
}
