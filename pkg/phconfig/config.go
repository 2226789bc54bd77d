// Package phconfig implements the dotted-path-addressable configuration
// tree spec §6 describes ("a hierarchical document addressed by dotted
// paths Phineas.X.Y[i].Z"). Spec §1 excludes a general XML DOM utility
// from scope; only the tree-and-dotted-path *consumption* contract is in
// scope, so the concrete syntax here is YAML, parsed with
// gopkg.in/yaml.v3 the way the teacher's cmd/warren/apply.go unmarshals
// resource documents into a generic map before field-by-field access.
package phconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tree is a parsed configuration document, navigable by dotted path.
type Tree struct {
	root map[string]interface{}
}

// Parse unmarshals a YAML document into a Tree.
func Parse(data []byte) (*Tree, error) {
	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("phconfig: parse: %w", err)
	}
	return &Tree{root: root}, nil
}

// pathSegment is one dotted-path component, optionally array-indexed:
// "Route[0]" -> name "Route", index 0, hasIndex true.
type pathSegment struct {
	name     string
	index    int
	hasIndex bool
}

func parsePath(path string) ([]pathSegment, error) {
	parts := strings.Split(path, ".")
	segs := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		seg := pathSegment{name: part}
		if open := strings.IndexByte(part, '['); open != -1 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("phconfig: malformed path segment %q", part)
			}
			idxStr := part[open+1 : len(part)-1]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, fmt.Errorf("phconfig: bad index in %q: %w", part, err)
			}
			seg.name = part[:open]
			seg.index = idx
			seg.hasIndex = true
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Get resolves a dotted path (e.g. "Sender.RouteInfo.Route[0].Host") and
// returns the raw value, or (nil, false) if any segment is missing.
func (t *Tree) Get(path string) (interface{}, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}

	var cur interface{} = t.root
	for _, seg := range segs {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		val, ok := m[seg.name]
		if !ok {
			return nil, false
		}
		if seg.hasIndex {
			list, ok := val.([]interface{})
			if !ok || seg.index < 0 || seg.index >= len(list) {
				return nil, false
			}
			val = list[seg.index]
		}
		cur = val
	}
	return cur, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// GetString returns the value at path as a string, or def if the path is
// missing. A value that is not a string is formatted with %v.
func (t *Tree) GetString(path, def string) string {
	v, ok := t.Get(path)
	if !ok {
		return def
	}
	return fmt.Sprintf("%v", v)
}

// GetInt returns the integer at path, or def if missing/not numeric.
func (t *Tree) GetInt(path string, def int) int {
	v, ok := t.Get(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// GetBool returns the boolean at path, or def if missing/not a bool.
func (t *Tree) GetBool(path string, def bool) bool {
	v, ok := t.Get(path)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// GetDuration returns the path's value as a duration of seconds, or def.
func (t *Tree) GetDuration(path string, def time.Duration) time.Duration {
	v, ok := t.Get(path)
	if !ok {
		return def
	}
	secs := t.GetInt(path, -1)
	if secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

// Len returns the length of the array at path, or 0 if missing/not an
// array. Used to iterate Route[0..Len), Map[0..Len) style repeated
// sections.
func (t *Tree) Len(path string) int {
	v, ok := t.Get(path)
	if !ok {
		return 0
	}
	list, ok := v.([]interface{})
	if !ok {
		return 0
	}
	return len(list)
}

// Sub returns a new Tree rooted at path, for passing a repeated section's
// element on to code that itself does relative dotted-path lookups.
func (t *Tree) Sub(path string) (*Tree, bool) {
	v, ok := t.Get(path)
	if !ok {
		return nil, false
	}
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	return &Tree{root: m}, true
}
