// Package properties reads and rewrites server.properties style files.
//
// Decode followed by Encode with no updates reproduces the input exactly.
// Only keys named in an update are rewritten; unknown keys are appended.
package properties

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the type of a decoded line.
type Kind int

const (
	KindBlank Kind = iota
	KindComment
	KindProperty
)

func (k Kind) String() string {
	switch k {
	case KindComment:
		return "comment"
	case KindProperty:
		return "property"
	default:
		return "blank"
	}
}

// Line is one line of the file. Raw holds the exact original text without
// the trailing newline.
type Line struct {
	Kind  Kind   `json:"kind"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Raw   string `json:"raw"`
}

// ErrInvalidKey is returned by ValidateUpdates for keys that cannot be
// written back as a single property line.
var ErrInvalidKey = errors.New("invalid property key")

// Decode splits text into typed lines.
func Decode(text string) []Line {
	parts := strings.Split(text, "\n")
	lines := make([]Line, 0, len(parts))
	for _, raw := range parts {
		lines = append(lines, decodeLine(raw))
	}
	return lines
}

func decodeLine(raw string) Line {
	body := strings.TrimSuffix(raw, "\r")
	trimmed := strings.TrimLeft(body, " \t\f")
	switch {
	case trimmed == "":
		return Line{Kind: KindBlank, Raw: raw}
	case trimmed[0] == '#' || trimmed[0] == '!':
		return Line{Kind: KindComment, Raw: raw}
	}
	key, value := splitProperty(trimmed)
	return Line{Kind: KindProperty, Key: key, Value: value, Raw: raw}
}

// splitProperty cuts at the first unescaped '=' or ':'.
func splitProperty(s string) (string, string) {
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '=' || c == ':':
			return strings.TrimSpace(s[:i]), strings.TrimLeft(s[i+1:], " \t\f")
		}
	}
	return strings.TrimSpace(s), ""
}

// Encode renders lines back to text, applying updates. Existing keys keep
// their position; keys not present are appended in sorted order.
func Encode(lines []Line, updates map[string]string) string {
	seen := make(map[string]bool, len(updates))
	out := make([]string, 0, len(lines)+len(updates))
	for _, l := range lines {
		if l.Kind == KindProperty {
			if v, ok := updates[l.Key]; ok {
				seen[l.Key] = true
				line := l.Key + "=" + v
				if strings.HasSuffix(l.Raw, "\r") {
					line += "\r"
				}
				out = append(out, line)
				continue
			}
		}
		out = append(out, l.Raw)
	}

	var added []string
	for k := range updates {
		if !seen[k] {
			added = append(added, k)
		}
	}
	if len(added) > 0 {
		sort.Strings(added)
		appended := make([]string, 0, len(added))
		for _, k := range added {
			appended = append(appended, k+"="+updates[k])
		}
		// keep a trailing newline at the end of the file
		if n := len(out); n > 0 && out[n-1] == "" {
			out = append(out[:n-1], append(appended, "")...)
		} else {
			out = append(out, appended...)
		}
	}
	return strings.Join(out, "\n")
}

// Map returns the effective key/value pairs. A repeated key keeps its last value.
func Map(lines []Line) map[string]string {
	m := make(map[string]string)
	for _, l := range lines {
		if l.Kind == KindProperty {
			m[l.Key] = l.Value
		}
	}
	return m
}

// ValidateUpdates rejects keys and values that would not survive a round trip.
func ValidateUpdates(updates map[string]string) error {
	for k, v := range updates {
		if k == "" || strings.ContainsAny(k, "=: \t\r\n#!") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("value for %q contains a line break", k)
		}
	}
	return nil
}
