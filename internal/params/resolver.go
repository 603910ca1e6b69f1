// Package params fills a descriptor's parameter schema from a user
// utterance and the conversation so far.
package params

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/conversa/internal/apperr"
	"github.com/kalambet/conversa/internal/descriptor"
	"github.com/kalambet/conversa/internal/intent"
)

// Context is what the session contributes to resolution.
type Context struct {
	// History holds earlier user utterances, oldest first.
	History []string
	// Previous holds the values resolved on the session's last call.
	Previous map[string]string
}

type Resolver struct {
	now func() time.Time
}

func New() *Resolver {
	return &Resolver{now: time.Now}
}

type extractFunc func(utterance) (string, bool)

// Resolve returns a value for every required parameter and for each optional
// parameter that was mentioned or has a default.
//
// Required parameters are tried, in order, against: an explicit name=value
// or "name: value" in the utterance; the slot pattern for the parameter
// type; the entity pattern for the parameter name; a quoted string; the
// previous values of the session; entity patterns over the history; the
// declared default; and, for a string parameter that is the descriptor's
// only required one, the utterance itself with keywords and stop words
// removed. Candidates that fail type or allowed-value checks are skipped.
func (r *Resolver) Resolve(d descriptor.Descriptor, text string, ctx Context) (map[string]string, error) {
	u := newUtterance(text)
	history := make([]utterance, len(ctx.History))
	for i, h := range ctx.History {
		history[len(history)-1-i] = newUtterance(h) // newest first
	}
	ignore := keywordSet(d)

	out := make(map[string]string)
	for _, p := range d.Parameters.Required {
		entity := r.entityFor(p, d, ignore)
		sources := []func() (string, bool){
			func() (string, bool) { return explicit(u, p.Name) },
			func() (string, bool) { return slotFor(p.Type)(u) },
			func() (string, bool) { return entity(u) },
			func() (string, bool) {
				if p.Type != descriptor.TypeString {
					return "", false
				}
				return quoted(u)
			},
			func() (string, bool) {
				v, ok := ctx.Previous[p.Name]
				return v, ok && v != ""
			},
			func() (string, bool) {
				for _, h := range history {
					if v, ok := explicit(h, p.Name); ok {
						return v, true
					}
					if v, ok := entity(h); ok {
						return v, true
					}
				}
				return "", false
			},
			func() (string, bool) {
				if p.Default == nil {
					return "", false
				}
				return *p.Default, true
			},
			func() (string, bool) {
				if p.Type != descriptor.TypeString || len(d.Parameters.Required) != 1 {
					return "", false
				}
				return contentWords(u, ignore)
			},
		}
		v, ok := firstValid(p, sources)
		if !ok {
			return nil, &apperr.MissingParameterError{Name: p.Name, Description: p.Description}
		}
		out[p.Name] = v
	}

	for _, p := range d.Parameters.Optional {
		entity := r.entityFor(p, d, ignore)
		sources := []func() (string, bool){
			func() (string, bool) { return explicit(u, p.Name) },
			func() (string, bool) {
				if entity == nil {
					return "", false
				}
				return entity(u)
			},
		}
		if v, ok := firstValid(p, sources); ok {
			out[p.Name] = v
		} else if p.Default != nil {
			out[p.Name] = *p.Default
		}
	}
	return out, nil
}

func firstValid(p descriptor.ParamSpec, sources []func() (string, bool)) (string, bool) {
	for _, src := range sources {
		v, ok := src()
		if !ok {
			continue
		}
		if v, err := Validate(p, v); err == nil {
			return v, true
		}
	}
	return "", false
}

// entityFor picks the entity pattern for a parameter by its name and, for
// the ambiguous "q", by the descriptor category. For optional parameters
// with no specific pattern it returns nil.
func (r *Resolver) entityFor(p descriptor.ParamSpec, d descriptor.Descriptor, ignore map[string]bool) extractFunc {
	topicOf := func(u utterance) (string, bool) { return topic(u, ignore) }
	switch strings.ToLower(p.Name) {
	case "city", "location", "place", "town":
		return location
	case "q", "query":
		if d.Category == "weather" {
			return location
		}
		return topicOf
	case "topic", "keyword", "search", "title", "subject":
		return topicOf
	case "ids", "coin", "crypto", "cryptocurrency":
		return coin
	case "base", "currency", "from", "from_currency":
		return nthCurrency(0)
	case "to", "to_currency", "target", "symbols":
		return nthCurrency(1)
	case "vs_currencies", "vs_currency":
		return nthCurrency(0)
	case "word", "term":
		return word
	case "owner", "user", "org":
		return repoPart(1)
	case "repo", "repository":
		return repoPart(2)
	case "date", "d", "day":
		return date(r.now)
	}
	if !isRequired(d, p.Name) {
		return nil
	}
	return func(utterance) (string, bool) { return "", false }
}

func isRequired(d descriptor.Descriptor, name string) bool {
	for _, p := range d.Parameters.Required {
		if p.Name == name {
			return true
		}
	}
	return false
}

func slotFor(typ string) extractFunc {
	switch typ {
	case descriptor.TypeNumber:
		return number
	case descriptor.TypeBoolean:
		return boolean
	default:
		return func(utterance) (string, bool) { return "", false }
	}
}

// explicit matches name=value, name: value or name="quoted value".
func explicit(u utterance, name string) (string, bool) {
	re, err := regexp.Compile(`(?i)(?:^|[\s,;])` + regexp.QuoteMeta(name) + `\s*[=:]\s*(?:"([^"]*)"|([^\s,;?!]+))`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(u.raw)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], m[2] != ""
}

// keywordSet holds the descriptor's keyword tokens and category, which
// never make up a free-form value.
func keywordSet(d descriptor.Descriptor) map[string]bool {
	set := make(map[string]bool)
	for _, kw := range d.IntentKeywords {
		for _, t := range intent.Tokens(kw) {
			set[t] = true
			set[t+"s"] = true
		}
	}
	for _, t := range intent.Tokens(d.Category) {
		set[t] = true
	}
	return set
}

// Validate checks v against the parameter type and allowed values and
// returns its canonical form.
func Validate(p descriptor.ParamSpec, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", apperr.Validation("parameter %q is empty", p.Name)
	}
	switch p.Type {
	case descriptor.TypeNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return "", apperr.Validation("parameter %q: %q is not a number", p.Name, v)
		}
	case descriptor.TypeBoolean:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return "", apperr.Validation("parameter %q: %q is not a boolean", p.Name, v)
		}
		v = strconv.FormatBool(b)
	}
	if len(p.AllowedValues) > 0 {
		for _, a := range p.AllowedValues {
			if strings.EqualFold(a, v) {
				return a, nil
			}
		}
		return "", apperr.Validation("parameter %q: %q is not one of %s", p.Name, v, strings.Join(p.AllowedValues, ", "))
	}
	return v, nil
}

// Complete checks caller-supplied values against d, fills defaults and
// reports the first missing required parameter. Used for dry runs.
func Complete(d descriptor.Descriptor, given map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(given))
	for _, p := range d.Parameters.All() {
		v, ok := given[p.Name]
		if !ok || strings.TrimSpace(v) == "" {
			if p.Default != nil {
				out[p.Name] = *p.Default
				continue
			}
			if isRequired(d, p.Name) {
				return nil, &apperr.MissingParameterError{Name: p.Name, Description: p.Description}
			}
			continue
		}
		cv, err := Validate(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = cv
	}
	for k := range given {
		if !declared(d, k) {
			return nil, fmt.Errorf("%w: unknown parameter %q", apperr.ErrValidation, k)
		}
	}
	return out, nil
}

func declared(d descriptor.Descriptor, name string) bool {
	for _, p := range d.Parameters.All() {
		if p.Name == name {
			return true
		}
	}
	return false
}
