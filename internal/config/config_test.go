package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain map[string]string

func (m mockKeychain) Get(service, account string) (string, error) {
	if v, ok := m[service+"/"+account]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return newFileBackend(path)
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, ""), mockKeychain{}, envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Dispatch.ConfidenceThreshold != 0.2 {
		t.Errorf("Dispatch.ConfidenceThreshold = %v, want 0.2", cfg.Dispatch.ConfidenceThreshold)
	}
	if cfg.Dispatch.Timeout != 20*time.Second {
		t.Errorf("Dispatch.Timeout = %v, want 20s", cfg.Dispatch.Timeout)
	}
	if cfg.Invoker.MaxAttempts != 3 || cfg.Invoker.CallTimeout != 10*time.Second {
		t.Errorf("Invoker = %+v", cfg.Invoker)
	}
	if cfg.Cache.TTLDefault != 5*time.Minute || cfg.Cache.TTLCrypto != time.Minute {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Vault.MasterKey != "" || cfg.Server.APIToken != "" {
		t.Error("secrets should default to empty")
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry should be off by default")
	}
}

// TestLayering verifies backend < .env < process env precedence.
func TestLayering(t *testing.T) {
	b := writeTempConfig(t, `{
  "server.port": 9000,
  "log.level": "debug",
  "cache.ttl_weather": "90s",
  "mapper.strict": "true"
}`)

	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("CONVERSA_SERVER_PORT=9100\nCONVERSA_CACHE_TTL_NEWS=120\nCONVERSA_LOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVERSA_LOG_LEVEL", "error")

	cfg, err := loadWith(b, mockKeychain{}, envLookup(dotenv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want .env value 9100", cfg.Server.Port)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want process env value", cfg.Log.Level)
	}
	if cfg.Cache.TTLWeather != 90*time.Second {
		t.Errorf("Cache.TTLWeather = %v, want backend value", cfg.Cache.TTLWeather)
	}
	if cfg.Cache.TTLNews != 2*time.Minute {
		t.Errorf("Cache.TTLNews = %v, want bare seconds from .env", cfg.Cache.TTLNews)
	}
	if !cfg.Mapper.Strict {
		t.Error("Mapper.Strict not read from backend")
	}
}

func TestEnvLookup_MissingFile(t *testing.T) {
	t.Setenv("CONVERSA_X", "y")
	get := envLookup(filepath.Join(t.TempDir(), "nope.env"))
	if get("CONVERSA_X") != "y" || get("CONVERSA_Y") != "" {
		t.Error("lookup without .env should fall through to process env")
	}
}

// TestSecrets verifies secrets come from env first, then the keychain, and
// never from the backend file.
func TestSecrets(t *testing.T) {
	b := writeTempConfig(t, `{"vault.master_key": "from-file"}`)
	kc := mockKeychain{
		"conversa/vault.master_key": "from-keychain",
		"conversa/server.api_token": "token-from-keychain",
	}

	cfg, err := loadWith(b, kc, envMap(map[string]string{"CONVERSA_MASTER_KEY": "from-env"}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Vault.MasterKey != "from-env" {
		t.Errorf("MasterKey = %q, want env value", cfg.Vault.MasterKey)
	}
	if cfg.Server.APIToken != "token-from-keychain" {
		t.Errorf("APIToken = %q, want keychain value", cfg.Server.APIToken)
	}

	cfg, err = loadWith(b, kc, envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Vault.MasterKey != "from-keychain" {
		t.Errorf("MasterKey = %q, want keychain value", cfg.Vault.MasterKey)
	}
}

func TestInvalidValuesIgnored(t *testing.T) {
	b := writeTempConfig(t, `{"dispatch.timeout": "soon"}`)
	cfg, err := loadWith(b, mockKeychain{}, envMap(map[string]string{
		"CONVERSA_SERVER_PORT":     "eighty",
		"CONVERSA_MAPPER_STRICT":   "maybe",
		"CONVERSA_ALLOWED_ORIGINS": " https://a.example , ,https://b.example ",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 || cfg.Dispatch.Timeout != 20*time.Second || cfg.Mapper.Strict {
		t.Errorf("invalid values applied: %+v", cfg)
	}
	if got := strings.Join(cfg.Server.AllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Errorf("AllowedOrigins = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"threshold", func(c *Config) { c.Dispatch.ConfidenceThreshold = 1.5 }},
		{"attempts", func(c *Config) { c.Invoker.MaxAttempts = 0 }},
		{"timeout", func(c *Config) { c.Dispatch.Timeout = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"cache size", func(c *Config) { c.Cache.MaxEntries = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, "")
	if err := setKey(b, "server.port", "9001"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "cache.ttl_crypto", "30s"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "vault.master_key", "x"); err == nil {
		t.Error("expected error setting a secret")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	reloaded := newFileBackend(b.path)
	cfg, err := loadWith(reloaded, mockKeychain{}, envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9001 || cfg.Cache.TTLCrypto != 30*time.Second {
		t.Errorf("persisted values not loaded: port=%d ttl=%v", cfg.Server.Port, cfg.Cache.TTLCrypto)
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Vault.MasterKey = "super-secret"
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "super-secret") {
			t.Fatalf("%s leaks its secret", k.Key)
		}
		if k.Key == "vault.master_key" && k.Value != "(set)" {
			t.Errorf("master key shown as %q", k.Value)
		}
		if k.Key == "server.api_token" && k.Value != "(unset)" {
			t.Errorf("api token shown as %q", k.Value)
		}
	}
	for _, k := range ValidKeys() {
		if k == "vault.master_key" {
			t.Error("ValidKeys lists a secret")
		}
	}
}

func TestCacheTTLByCategory(t *testing.T) {
	ttl := defaults().Cache.TTLByCategory()
	if ttl["weather"] != 10*time.Minute || ttl["cryptocurrency"] != time.Minute || ttl["news"] != 30*time.Minute {
		t.Errorf("TTLByCategory = %v", ttl)
	}
}
