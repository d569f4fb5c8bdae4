// Package treepath implements parsing and composition of slash-delimited
// tree-store paths. A path addresses one node in the remote tree; the empty
// path (or "/") addresses the root of whatever scope it is resolved against.
package treepath

import (
	"fmt"
	"net/url"
	"strings"
)

// Split breaks p into its non-empty segments. "" and "/" yield a nil slice.
// Repeated, leading and trailing slashes are tolerated; a segment consisting
// of whitespace only is rejected.
func Split(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	parts := strings.Split(p, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if strings.TrimSpace(part) == "" {
			return nil, fmt.Errorf("treepath: blank segment in %q", p)
		}
		segments = append(segments, part)
	}
	return segments, nil
}

// Depth reports the number of segments in p, or an error when p contains a
// blank segment.
func Depth(p string) (int, error) {
	segments, err := Split(p)
	if err != nil {
		return 0, err
	}
	return len(segments), nil
}

// Join composes segments into a canonical path with a leading slash. No
// segments yields "/".
func Join(segments ...string) string {
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}

// Child appends one segment to base. The segment must be a valid key.
func Child(base, segment string) (string, error) {
	if err := ValidateKey(segment); err != nil {
		return "", err
	}
	parent, err := Split(base)
	if err != nil {
		return "", err
	}
	return Join(append(parent, segment)...), nil
}

// ValidateKey checks that key is usable as a single path segment.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("treepath: empty key")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("treepath: blank key")
	}
	if strings.Contains(key, "/") {
		return fmt.Errorf("treepath: key %q contains a slash", key)
	}
	return nil
}

// Escape URL-escapes each segment of p individually, preserving slashes, so
// the result can be appended to a request URL path.
func Escape(p string) string {
	segments, err := Split(p)
	if err != nil || len(segments) == 0 {
		return ""
	}
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	return "/" + strings.Join(escaped, "/")
}
