// Package mapper turns a decoded API response into reply text: response
// mapping paths pick values out of the body and the response template
// receives them as {variable} substitutions.
package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kalambet/conversa/internal/apperr"
	"github.com/kalambet/conversa/internal/descriptor"
)

// DefaultMissing is rendered for a mapped variable whose path is absent.
const DefaultMissing = "N/A"

const maxSummaryLines = 10

type Options struct {
	// Strict makes a missing mapping path a MappingError instead of
	// rendering Missing in its place.
	Strict  bool
	Missing string
}

type Mapper struct {
	opts Options
}

func New(opts Options) *Mapper {
	if opts.Missing == "" {
		opts.Missing = DefaultMissing
	}
	return &Mapper{opts: opts}
}

// Extract applies d's response mapping to body. It returns the formatted
// values found and the sorted names of the paths that resolved to nothing.
func (m *Mapper) Extract(d descriptor.Descriptor, body any) (map[string]string, []string) {
	values := make(map[string]string, len(d.ResponseMapping))
	var missing []string
	for name, path := range d.Paths() {
		v, ok := path.Lookup(body)
		if !ok {
			missing = append(missing, name)
			continue
		}
		values[name] = Format(v)
	}
	sort.Strings(missing)
	return values, missing
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes {name} placeholders in one pass, so substituted
// values are never expanded again. Placeholders with no value are left
// verbatim.
func Render(template string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// MapAndRender produces the reply text for body. Resolved request params
// are available to the template as well; a mapped value of the same name
// wins. A descriptor without a template gets a generic field summary.
func (m *Mapper) MapAndRender(d descriptor.Descriptor, body any, params map[string]string) (string, error) {
	values, missing := m.Extract(d, body)
	for _, name := range missing {
		values[name] = m.opts.Missing
	}

	var text string
	switch {
	case d.ResponseTemplate != "":
		vars := make(map[string]string, len(params)+len(values))
		for k, v := range params {
			vars[k] = v
		}
		for k, v := range values {
			vars[k] = v
		}
		text = Render(d.ResponseTemplate, vars)
	case len(d.ResponseMapping) > 0:
		text = summarizeValues(values)
	default:
		text = Summarize(body)
	}

	if m.opts.Strict && len(missing) > 0 {
		return text, &apperr.MappingError{Missing: missing, Partial: text}
	}
	return text, nil
}

func summarizeValues(values map[string]string) string {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, k := range names {
		lines[i] = k + ": " + values[k]
	}
	return strings.Join(lines, "\n")
}

// Summarize lists the scalar leaves of body as "path: value" lines,
// sorted by path and capped at ten lines.
func Summarize(body any) string {
	leaves := make(map[string]string)
	flatten("", body, 0, leaves)
	if len(leaves) == 0 {
		return "The API returned no data."
	}
	text := summarizeValues(leaves)
	lines := strings.Split(text, "\n")
	if len(lines) > maxSummaryLines {
		rest := len(lines) - maxSummaryLines
		lines = append(lines[:maxSummaryLines], fmt.Sprintf("(%d more fields)", rest))
	}
	return strings.Join(lines, "\n")
}

func flatten(prefix string, v any, depth int, out map[string]string) {
	switch node := v.(type) {
	case nil:
	case map[string]any:
		if depth >= 3 {
			out[prefix] = Format(node)
			return
		}
		for k, child := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, depth+1, out)
		}
	case []any:
		if len(node) == 0 {
			return
		}
		if _, isObj := node[0].(map[string]any); isObj && depth < 3 {
			flatten(prefix+"[0]", node[0], depth+1, out)
			return
		}
		out[prefix] = Format(node)
	default:
		if prefix == "" {
			prefix = "value"
		}
		out[prefix] = Format(node)
	}
}

// Format renders a decoded JSON value as reply text: numbers without
// trailing zeros, lists of scalars joined with ", ", objects as compact JSON.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		if _, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return x.String()
		}
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			switch item.(type) {
			case map[string]any, []any:
				return compact(x)
			}
			parts = append(parts, Format(item))
		}
		return strings.Join(parts, ", ")
	default:
		return compact(x)
	}
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
