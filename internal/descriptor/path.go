package descriptor

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kalambet/conversa/internal/apperr"
)

// Step is one accessor in a FieldPath: a map key or a list index.
type Step struct {
	Key     string
	Index   int
	IsIndex bool
}

// FieldPath is a parsed response path such as main.temp or weather[0].description.
type FieldPath struct {
	raw   string
	steps []Step
}

// ParsePath parses a dotted path with optional [n] index suffixes. A purely
// numeric dotted segment (data.0.name) is kept as a key and resolved as an
// index when the value at that point is a list.
func ParsePath(raw string) (FieldPath, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$.")
	if s == "" || s == "$" {
		return FieldPath{}, apperr.Validation("response_mapping: empty path")
	}

	var steps []Step
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return FieldPath{}, apperr.Validation("response_mapping: empty segment in %q", raw)
		}
		name := seg
		var idx []int
		if b := strings.IndexByte(seg, '['); b >= 0 {
			name = seg[:b]
			rest := seg[b:]
			for rest != "" {
				if rest[0] != '[' {
					return FieldPath{}, apperr.Validation("response_mapping: malformed index in %q", raw)
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return FieldPath{}, apperr.Validation("response_mapping: unclosed bracket in %q", raw)
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return FieldPath{}, apperr.Validation("response_mapping: bad index %q in %q", rest[1:end], raw)
				}
				idx = append(idx, n)
				rest = rest[end+1:]
			}
		}
		if strings.ContainsRune(name, ']') {
			return FieldPath{}, apperr.Validation("response_mapping: malformed index in %q", raw)
		}
		if name != "" {
			steps = append(steps, Step{Key: name})
		}
		for _, n := range idx {
			steps = append(steps, Step{Index: n, IsIndex: true})
		}
	}
	if len(steps) == 0 {
		return FieldPath{}, apperr.Validation("response_mapping: empty path %q", raw)
	}
	return FieldPath{raw: raw, steps: steps}, nil
}

// String returns the source text of the path.
func (p FieldPath) String() string { return p.raw }

// Lookup walks v (decoded JSON: map[string]any / []any) and reports the
// value at the path.
func (p FieldPath) Lookup(v any) (any, bool) {
	cur := v
	for _, st := range p.steps {
		switch node := cur.(type) {
		case map[string]any:
			if st.IsIndex {
				return nil, false
			}
			next, ok := node[st.Key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i := st.Index
			if !st.IsIndex {
				n, err := strconv.Atoi(st.Key)
				if err != nil {
					return nil, false
				}
				i = n
			}
			if i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// MarshalJSON keeps the source text.
func (p FieldPath) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.raw)
}
