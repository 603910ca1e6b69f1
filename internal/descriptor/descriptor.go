// Package descriptor defines the API Descriptor data model: metadata,
// parameter schema, authentication variant, and response mapping rules for
// a registered external API.
package descriptor

import (
	"regexp"
	"time"
)

// Supported HTTP methods.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

// CategoryOther requires a custom category string at creation.
const CategoryOther = "other"

// Parameter value types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// ParamSpec describes a single request parameter.
type ParamSpec struct {
	Name          string   `json:"name" yaml:"name"`
	Type          string   `json:"type" yaml:"type"`
	Description   string   `json:"description,omitempty" yaml:"description"`
	Default       *string  `json:"default,omitempty" yaml:"default"`
	AllowedValues []string `json:"allowed_values,omitempty" yaml:"allowed_values"`
}

// Parameters is the typed parameter schema of a descriptor.
type Parameters struct {
	Required []ParamSpec `json:"required" yaml:"required"`
	Optional []ParamSpec `json:"optional" yaml:"optional"`
}

// All returns required then optional parameters.
func (p Parameters) All() []ParamSpec {
	out := make([]ParamSpec, 0, len(p.Required)+len(p.Optional))
	out = append(out, p.Required...)
	return append(out, p.Optional...)
}

// RateLimit is the per-descriptor call budget. Zero means unlimited.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// Descriptor is a registered external API.
type Descriptor struct {
	ID               string            `json:"api_id"`
	Name             string            `json:"api_name"`
	Description      string            `json:"description"`
	Category         string            `json:"category"`
	Endpoint         string            `json:"endpoint"`
	Method           string            `json:"method"`
	IntentKeywords   []string          `json:"intent_keywords"`
	Parameters       Parameters        `json:"parameters"`
	ResponseMapping  map[string]string `json:"response_mapping,omitempty"`
	ResponseTemplate string            `json:"response_template,omitempty"`
	Auth             AuthConfig        `json:"auth_config"`
	RateLimit        RateLimit         `json:"rate_limit"`
	ErrorMessages    map[string]string `json:"error_messages,omitempty"`
	IsSystem         bool              `json:"is_system"`
	IsActive         bool              `json:"is_active"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`

	paths map[string]FieldPath
}

// Compile parses every response mapping path once. Descriptors stored in
// the registry are always compiled.
func (d *Descriptor) Compile() error {
	paths := make(map[string]FieldPath, len(d.ResponseMapping))
	for name, raw := range d.ResponseMapping {
		p, err := ParsePath(raw)
		if err != nil {
			return err
		}
		paths[name] = p
	}
	d.paths = paths
	return nil
}

// Paths returns the parsed response mapping. Uncompiled descriptors are
// parsed on the fly, skipping malformed paths.
func (d Descriptor) Paths() map[string]FieldPath {
	if d.paths != nil || len(d.ResponseMapping) == 0 {
		return d.paths
	}
	paths := make(map[string]FieldPath, len(d.ResponseMapping))
	for name, raw := range d.ResponseMapping {
		if p, err := ParsePath(raw); err == nil {
			paths[name] = p
		}
	}
	return paths
}

// Redacted returns a copy safe for listing: the auth key is masked.
func (d Descriptor) Redacted() Descriptor {
	d.Auth = d.Auth.Redacted()
	d.IntentKeywords = append([]string(nil), d.IntentKeywords...)
	return d
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	c := d
	c.IntentKeywords = append([]string(nil), d.IntentKeywords...)
	c.Parameters = Parameters{
		Required: cloneParams(d.Parameters.Required),
		Optional: cloneParams(d.Parameters.Optional),
	}
	c.ResponseMapping = cloneMap(d.ResponseMapping)
	c.ErrorMessages = cloneMap(d.ErrorMessages)
	return c
}

func cloneParams(in []ParamSpec) []ParamSpec {
	if in == nil {
		return nil
	}
	out := make([]ParamSpec, len(in))
	for i, p := range in {
		out[i] = p
		out[i].AllowedValues = append([]string(nil), p.AllowedValues...)
		if p.Default != nil {
			v := *p.Default
			out[i].Default = &v
		}
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholders returns the {name} placeholders in s in order of appearance.
func Placeholders(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
