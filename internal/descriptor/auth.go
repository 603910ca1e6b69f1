package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/conversa/internal/apperr"
)

// AuthKind tags the authentication variant.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthHeader AuthKind = "header"
	AuthQuery  AuthKind = "query"
	AuthBearer AuthKind = "bearer"
)

const redactedKey = "***"

// AuthConfig is the closed authentication variant of a descriptor:
//
//	none
//	header(HeaderName, Key)
//	query(ParamName, Key)
//	bearer(Key)
//
// Key holds plaintext only inside a Draft; once registered it holds vault
// ciphertext.
type AuthConfig struct {
	Kind       AuthKind
	HeaderName string
	ParamName  string
	Key        string
}

// NoAuth is the none variant.
func NoAuth() AuthConfig { return AuthConfig{Kind: AuthNone} }

// HeaderAuth builds the header variant.
func HeaderAuth(header, key string) AuthConfig {
	return AuthConfig{Kind: AuthHeader, HeaderName: header, Key: key}
}

// QueryAuth builds the query variant.
func QueryAuth(param, key string) AuthConfig {
	return AuthConfig{Kind: AuthQuery, ParamName: param, Key: key}
}

// BearerAuth builds the bearer variant.
func BearerAuth(key string) AuthConfig {
	return AuthConfig{Kind: AuthBearer, Key: key}
}

// NeedsKey reports whether the variant carries a secret.
func (a AuthConfig) NeedsKey() bool {
	return a.Kind == AuthHeader || a.Kind == AuthQuery || a.Kind == AuthBearer
}

// Validate checks that the variant's fields are present iff the variant
// requires them. When requireKey is false a missing key is tolerated (used
// for updates that keep the stored secret and for system catalog entries).
func (a AuthConfig) Validate(requireKey bool) error {
	switch a.Kind {
	case AuthNone, "":
		if a.HeaderName != "" || a.ParamName != "" || a.Key != "" {
			return apperr.Validation("auth_config: type none takes no header_name, param_name or key")
		}
	case AuthHeader:
		if strings.TrimSpace(a.HeaderName) == "" {
			return apperr.Validation("auth_config: header variant requires header_name")
		}
		if a.ParamName != "" {
			return apperr.Validation("auth_config: header variant takes no param_name")
		}
	case AuthQuery:
		if strings.TrimSpace(a.ParamName) == "" {
			return apperr.Validation("auth_config: query variant requires param_name")
		}
		if a.HeaderName != "" {
			return apperr.Validation("auth_config: query variant takes no header_name")
		}
	case AuthBearer:
		if a.HeaderName != "" || a.ParamName != "" {
			return apperr.Validation("auth_config: bearer variant takes only key")
		}
	default:
		return apperr.Validation("auth_config: unknown type %q", a.Kind)
	}
	if requireKey && a.NeedsKey() && a.Key == "" {
		return apperr.Validation("auth_config: %s variant requires key", a.Kind)
	}
	return nil
}

// Redacted masks the key.
func (a AuthConfig) Redacted() AuthConfig {
	if a.Key != "" {
		a.Key = redactedKey
	}
	return a
}

// IsRedacted reports whether the key is the listing mask (clients echoing a
// listed descriptor back on update).
func (a AuthConfig) IsRedacted() bool {
	return a.Key == redactedKey
}

type authJSON struct {
	Type          string `json:"type"`
	HeaderName    string `json:"header_name,omitempty"`
	ParamName     string `json:"param_name,omitempty"`
	ParamLocation string `json:"param_location,omitempty"`
	Key           string `json:"key,omitempty"`
}

func (a AuthConfig) MarshalJSON() ([]byte, error) {
	kind := a.Kind
	if kind == "" {
		kind = AuthNone
	}
	return json.Marshal(authJSON{
		Type:       string(kind),
		HeaderName: a.HeaderName,
		ParamName:  a.ParamName,
		Key:        a.Key,
	})
}

// UnmarshalJSON accepts the tagged form and the loosely typed
// {"type":"api_key","param_location":...} form older clients send.
func (a *AuthConfig) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = NoAuth()
		return nil
	}
	var raw authJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("auth_config: %w", err)
	}
	out := AuthConfig{
		Kind:       AuthKind(strings.ToLower(strings.TrimSpace(raw.Type))),
		HeaderName: raw.HeaderName,
		ParamName:  raw.ParamName,
		Key:        raw.Key,
	}
	switch out.Kind {
	case "":
		out.Kind = AuthNone
	case "api_key":
		if strings.EqualFold(raw.ParamLocation, "header") {
			out.Kind = AuthHeader
			if out.HeaderName == "" {
				out.HeaderName = out.ParamName
			}
			out.ParamName = ""
		} else {
			out.Kind = AuthQuery
		}
	}
	*a = out
	return nil
}
