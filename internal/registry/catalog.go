package registry

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/conversa/internal/descriptor"
)

//go:embed catalog.yaml
var catalogYAML []byte

// CatalogEntry is a built-in API as declared in catalog.yaml.
type CatalogEntry struct {
	ID               string                `yaml:"api_id"`
	Name             string                `yaml:"api_name"`
	Description      string                `yaml:"description"`
	Category         string                `yaml:"category"`
	Endpoint         string                `yaml:"endpoint"`
	Method           string                `yaml:"method"`
	IntentKeywords   []string              `yaml:"intent_keywords"`
	Auth             CatalogAuth           `yaml:"auth"`
	Parameters       descriptor.Parameters `yaml:"parameters"`
	ResponseMapping  map[string]string     `yaml:"response_mapping"`
	ResponseTemplate string                `yaml:"response_template"`
	RateLimit        descriptor.RateLimit  `yaml:"rate_limit"`
	ErrorMessages    map[string]string     `yaml:"error_messages"`
}

// CatalogAuth names the env var holding the credential instead of the key itself.
type CatalogAuth struct {
	Type       string `yaml:"type"`
	HeaderName string `yaml:"header_name"`
	ParamName  string `yaml:"param_name"`
	KeyEnv     string `yaml:"key_env"`
}

// DefaultCatalog returns the embedded system catalog.
func DefaultCatalog() ([]CatalogEntry, error) {
	return ParseCatalog(catalogYAML)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %q has no api_id", e.Name)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("catalog entry %q declared twice", e.ID)
		}
		seen[e.ID] = true
		if err := e.draft("").Normalize().Validate(false); err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", e.ID, err)
		}
	}
	return entries, nil
}

// draft converts the entry into a registration draft carrying key as the
// plaintext credential.
func (e CatalogEntry) draft(key string) descriptor.Draft {
	auth := descriptor.AuthConfig{
		Kind:       descriptor.AuthKind(e.Auth.Type),
		HeaderName: e.Auth.HeaderName,
		ParamName:  e.Auth.ParamName,
	}
	if auth.Kind == "" {
		auth.Kind = descriptor.AuthNone
	}
	if auth.NeedsKey() {
		auth.Key = key
	}
	return descriptor.Draft{
		Name:             e.Name,
		Description:      e.Description,
		Category:         e.Category,
		Endpoint:         e.Endpoint,
		Method:           e.Method,
		IntentKeywords:   e.IntentKeywords,
		Parameters:       e.Parameters,
		ResponseMapping:  e.ResponseMapping,
		ResponseTemplate: e.ResponseTemplate,
		Auth:             auth,
		RateLimit:        e.RateLimit,
		ErrorMessages:    e.ErrorMessages,
	}
}
