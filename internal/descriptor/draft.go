package descriptor

import (
	"net/url"
	"strings"

	"github.com/kalambet/conversa/internal/apperr"
)

// Draft is the user-supplied registration or update payload.
type Draft struct {
	Name             string            `json:"api_name"`
	Description      string            `json:"description"`
	Category         string            `json:"category"`
	CustomCategory   string            `json:"custom_category,omitempty"`
	Endpoint         string            `json:"endpoint"`
	Method           string            `json:"method"`
	IntentKeywords   []string          `json:"intent_keywords"`
	Parameters       Parameters        `json:"parameters"`
	ResponseMapping  map[string]string `json:"response_mapping"`
	ResponseTemplate string            `json:"response_template"`
	Auth             AuthConfig        `json:"auth_config"`
	RateLimit        RateLimit         `json:"rate_limit"`
	ErrorMessages    map[string]string `json:"error_messages"`
	IsActive         *bool             `json:"is_active,omitempty"`
}

// Normalize trims fields, upper-cases the method, lower-cases and dedupes
// keywords, and folds category "other" into the custom category text.
func (d Draft) Normalize() Draft {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	d.Endpoint = strings.TrimSpace(d.Endpoint)
	d.Method = strings.ToUpper(strings.TrimSpace(d.Method))
	d.Category = strings.ToLower(strings.TrimSpace(d.Category))
	d.CustomCategory = strings.TrimSpace(d.CustomCategory)

	seen := make(map[string]bool, len(d.IntentKeywords))
	kws := make([]string, 0, len(d.IntentKeywords))
	for _, k := range d.IntentKeywords {
		k = strings.ToLower(strings.Join(strings.Fields(k), " "))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		kws = append(kws, k)
	}
	d.IntentKeywords = kws

	d.Parameters = Parameters{
		Required: cloneParams(d.Parameters.Required),
		Optional: cloneParams(d.Parameters.Optional),
	}
	for i := range d.Parameters.Required {
		d.Parameters.Required[i] = normalizeParam(d.Parameters.Required[i])
	}
	for i := range d.Parameters.Optional {
		d.Parameters.Optional[i] = normalizeParam(d.Parameters.Optional[i])
	}
	return d
}

func normalizeParam(p ParamSpec) ParamSpec {
	p.Name = strings.TrimSpace(p.Name)
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	switch p.Type {
	case "", "str", "text":
		p.Type = TypeString
	case "integer", "int", "float":
		p.Type = TypeNumber
	case "bool":
		p.Type = TypeBoolean
	}
	return p
}

// Validate checks a normalized draft. requireKey controls whether keyed
// auth variants must carry a key (true on register).
func (d Draft) Validate(requireKey bool) error {
	if d.Name == "" {
		return apperr.Validation("api_name is required")
	}
	if d.Description == "" {
		return apperr.Validation("description is required")
	}
	if d.Endpoint == "" {
		return apperr.Validation("endpoint is required")
	}
	if err := validateEndpoint(d.Endpoint); err != nil {
		return err
	}
	switch d.Method {
	case "":
		return apperr.Validation("method is required")
	case MethodGet, MethodPost, MethodPut, MethodDelete:
	default:
		return apperr.Validation("method %q is not one of GET, POST, PUT, DELETE", d.Method)
	}
	if d.Category == CategoryOther && d.CustomCategory == "" {
		return apperr.Validation("category 'other' requires a custom category")
	}
	if err := d.Auth.Validate(requireKey); err != nil {
		return err
	}
	if d.RateLimit.RequestsPerMinute < 0 {
		return apperr.Validation("rate_limit.requests_per_minute must not be negative")
	}

	declared := make(map[string]bool)
	for _, p := range d.Parameters.All() {
		if p.Name == "" {
			return apperr.Validation("parameter name is required")
		}
		if declared[p.Name] {
			return apperr.Validation("parameter %q declared twice", p.Name)
		}
		declared[p.Name] = true
		switch p.Type {
		case TypeString, TypeNumber, TypeBoolean:
		default:
			return apperr.Validation("parameter %q has unsupported type %q", p.Name, p.Type)
		}
	}
	for _, name := range Placeholders(d.Endpoint) {
		if !declared[name] {
			return apperr.Validation("endpoint placeholder {%s} is not a declared parameter", name)
		}
	}
	for name, raw := range d.ResponseMapping {
		if strings.TrimSpace(name) == "" {
			return apperr.Validation("response_mapping has an empty variable name")
		}
		if _, err := ParsePath(raw); err != nil {
			return err
		}
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	probe := placeholderRe.ReplaceAllString(endpoint, "x")
	u, err := url.Parse(probe)
	if err != nil {
		return apperr.Validation("endpoint is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperr.Validation("endpoint must be an http or https URL")
	}
	if u.Host == "" {
		return apperr.Validation("endpoint has no host")
	}
	return nil
}

// Apply builds a descriptor from the draft. The caller assigns ID, flags and
// timestamps.
func (d Draft) Apply(into Descriptor) Descriptor {
	out := into
	out.Name = d.Name
	out.Description = d.Description
	out.Category = d.Category
	if d.Category == CategoryOther {
		out.Category = strings.ToLower(d.CustomCategory)
	}
	out.Endpoint = d.Endpoint
	out.Method = d.Method
	out.IntentKeywords = append([]string(nil), d.IntentKeywords...)
	out.Parameters = Parameters{
		Required: cloneParams(d.Parameters.Required),
		Optional: cloneParams(d.Parameters.Optional),
	}
	out.ResponseMapping = cloneMap(d.ResponseMapping)
	out.ResponseTemplate = d.ResponseTemplate
	out.Auth = d.Auth
	if out.Auth.Kind == "" {
		out.Auth.Kind = AuthNone
	}
	out.RateLimit = d.RateLimit
	out.ErrorMessages = cloneMap(d.ErrorMessages)
	if d.IsActive != nil {
		out.IsActive = *d.IsActive
	}
	return out
}
