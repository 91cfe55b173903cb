package flow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Interpolate substitutes every "{{ path }}" occurrence in s with the value
// at the dot-separated path inside ctx. Paths may traverse maps and arrays
// by integer key ("apiResult.items.0.name"), may carry an optional leading
// "context" segment naming the root, and tolerate surrounding whitespace.
// Missing values render as the empty string.
func Interpolate(s string, ctx map[string]interface{}) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		open := strings.Index(s, "{{")
		if open < 0 {
			b.WriteString(s)
			break
		}
		close := strings.Index(s[open:], "}}")
		if close < 0 {
			b.WriteString(s)
			break
		}
		close += open

		b.WriteString(s[:open])
		path := strings.TrimSpace(s[open+2 : close])
		if path != "" {
			if value, ok := resolvePath(ctx, path); ok {
				b.WriteString(stringify(value))
			}
		}
		s = s[close+2:]
	}
	return b.String()
}

// resolvePath resolves a template path, stripping an optional leading
// "context" segment so templates and condition expressions name values the
// same way.
func resolvePath(ctx map[string]interface{}, path string) (interface{}, bool) {
	if path == "context" {
		return ctx, true
	}
	if strings.HasPrefix(path, "context.") || strings.HasPrefix(path, "context[") {
		path = strings.TrimPrefix(path, "context.")
		path = strings.TrimPrefix(path, "context")
	}
	return GetPath(ctx, path)
}

// GetPath resolves a dot-separated path (with optional bracketed numeric
// indices) against a JSON-shaped value tree. The second return is false
// when any segment is missing.
func GetPath(root interface{}, path string) (interface{}, bool) {
	current := root
	for _, seg := range splitPath(path) {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// SetPath writes value at the dot-separated path inside ctx, creating
// intermediate maps as needed. Existing non-map intermediates are replaced.
func SetPath(ctx map[string]interface{}, path string, value interface{}) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return
	}
	current := ctx
	for _, seg := range segs[:len(segs)-1] {
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[seg] = next
		}
		current = next
	}
	current[segs[len(segs)-1]] = value
}

// splitPath splits "a.b[0].c" or "a.b.0.c" into path segments.
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	parts := strings.Split(path, ".")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

func stringify(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case bool:
		return strconv.FormatBool(value)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(raw)
	}
}
