package idmef

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Path is a parsed IDMEF path such as "alert.classification.text" or
// "alert.source(0).node.address". A list segment without an index selects
// every element.
type Path struct {
	raw      string
	segments []segment
}

type segment struct {
	name  string
	index int // -1 when no index was given
}

// ParsePath validates and parses an IDMEF path
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Path{}, fmt.Errorf("empty path")
	}

	parts := strings.Split(raw, ".")
	segments := make([]segment, 0, len(parts))
	for i, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return Path{}, fmt.Errorf("path %q segment %d: %w", raw, i, err)
		}
		segments = append(segments, seg)
	}

	if segments[0].name != "alert" && segments[0].name != "heartbeat" {
		return Path{}, fmt.Errorf("path %q must start with alert or heartbeat", raw)
	}

	return Path{raw: raw, segments: segments}, nil
}

// MustParsePath is ParsePath for static paths
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSegment(part string) (segment, error) {
	if part == "" {
		return segment{}, fmt.Errorf("empty segment")
	}
	open := strings.IndexByte(part, '(')
	if open < 0 {
		return segment{name: part, index: -1}, nil
	}
	if open == 0 || !strings.HasSuffix(part, ")") {
		return segment{}, fmt.Errorf("malformed index in %q", part)
	}
	idx, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil || idx < 0 {
		return segment{}, fmt.Errorf("invalid index in %q", part)
	}
	return segment{name: part[:open], index: idx}, nil
}

// String returns the path as written
func (p Path) String() string {
	return p.raw
}

// Get resolves path against the message. The value is a string, float64,
// bool, map or a []any when the path crosses an unindexed list.
func (m *Message) Get(path Path) (any, bool) {
	v, ok := resolve(m.fields(), path.segments)
	if f, isFan := v.(fanout); isFan {
		return []any(f), ok
	}
	return v, ok
}

func resolve(cur any, segments []segment) (any, bool) {
	for i, seg := range segments {
		next, ok := step(cur, seg, segments[i+1:])
		if !ok {
			return nil, false
		}
		if _, isFan := next.(fanout); isFan {
			// step already consumed the remaining segments
			return next, true
		}
		cur = next
	}
	return cur, true
}

// GetString resolves a path and formats the value as text
func (m *Message) GetString(path Path) (string, bool) {
	v, ok := m.Get(path)
	if !ok {
		return "", false
	}
	return FormatValue(v), true
}

func step(cur any, seg segment, rest []segment) (any, bool) {
	obj, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[seg.name]
	if !ok || v == nil {
		return nil, false
	}

	list, isList := v.([]any)
	if !isList {
		if seg.index >= 0 {
			return nil, false
		}
		return v, true
	}

	if seg.index >= 0 {
		if seg.index >= len(list) {
			return nil, false
		}
		return list[seg.index], true
	}

	if len(rest) == 0 {
		return list, true
	}

	// Fan out over every element for the remaining segments
	var out []any
	for _, elem := range list {
		val, found := resolve(elem, rest)
		if !found {
			continue
		}
		if nested, isFan := val.(fanout); isFan {
			out = append(out, nested...)
			continue
		}
		out = append(out, val)
	}
	if len(out) == 0 {
		return nil, false
	}
	return fanout(out), true
}

// fanout marks values already resolved through the remaining segments
type fanout []any

// fields renders the message once as a generic tree for path lookup
func (m *Message) fields() map[string]any {
	m.viewOnce.Do(func() {
		data, err := json.Marshal(m)
		if err != nil {
			m.view = map[string]any{}
			return
		}
		var view map[string]any
		if err := json.Unmarshal(data, &view); err != nil {
			view = map[string]any{}
		}
		m.view = view
	})
	return m.view
}

// FormatValue renders a resolved path value as text
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case fanout:
		return FormatValue([]any(val))
	case []any:
		parts := make([]string, 0, len(val))
		for _, e := range val {
			parts = append(parts, FormatValue(e))
		}
		return strings.Join(parts, ", ")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
