package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

func (t keyType) String() string {
	return [...]string{"string", "int", "bool", "float", "duration", "list"}[t]
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CONVERSA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.environment", typ: kString, env: "CONVERSA_ENVIRONMENT",
		apply:   func(cfg *Config, v any) { cfg.Server.Environment = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Environment },
	},
	{
		key: "server.allowed_origins", typ: kList, env: "CONVERSA_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Server.AllowedOrigins, ",") },
	},
	{
		key: "server.api_token", typ: kString, env: "CONVERSA_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CONVERSA_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CONVERSA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "dispatch.confidence_threshold", typ: kFloat, env: "CONVERSA_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.ConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Dispatch.ConfidenceThreshold },
	},
	{
		key: "dispatch.timeout", typ: kDuration, env: "CONVERSA_DISPATCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.Timeout },
	},
	{
		key: "dispatch.context_messages", typ: kInt, env: "CONVERSA_CONTEXT_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.ContextMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.ContextMessages },
	},
	{
		key: "invoker.call_timeout", typ: kDuration, env: "CONVERSA_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Invoker.CallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Invoker.CallTimeout },
	},
	{
		key: "invoker.max_attempts", typ: kInt, env: "CONVERSA_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Invoker.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Invoker.MaxAttempts },
	},
	{
		key: "invoker.initial_backoff", typ: kDuration, env: "CONVERSA_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Invoker.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Invoker.InitialBackoff },
	},
	{
		key: "mapper.strict", typ: kBool, env: "CONVERSA_MAPPER_STRICT",
		apply:   func(cfg *Config, v any) { cfg.Mapper.Strict = v.(bool) },
		extract: func(cfg Config) any { return cfg.Mapper.Strict },
	},
	{
		key: "cache.ttl_default", typ: kDuration, env: "CONVERSA_CACHE_TTL_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTLDefault = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTLDefault },
	},
	{
		key: "cache.ttl_weather", typ: kDuration, env: "CONVERSA_CACHE_TTL_WEATHER",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTLWeather = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTLWeather },
	},
	{
		key: "cache.ttl_crypto", typ: kDuration, env: "CONVERSA_CACHE_TTL_CRYPTO",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTLCrypto = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTLCrypto },
	},
	{
		key: "cache.ttl_news", typ: kDuration, env: "CONVERSA_CACHE_TTL_NEWS",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTLNews = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTLNews },
	},
	{
		key: "cache.max_entries", typ: kInt, env: "CONVERSA_CACHE_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxEntries },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "CONVERSA_TELEMETRY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "telemetry.otlp_endpoint", typ: kString, env: "CONVERSA_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPEndpoint },
	},
	{
		key: "vault.master_key", typ: kString, env: "CONVERSA_MASTER_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Vault.MasterKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.MasterKey },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw text into the value type of s. Durations accept Go
// syntax ("90s") or a bare number of seconds.
func (s keySpec) parse(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		if secs, err := strconv.Atoi(raw); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return time.ParseDuration(raw)
	case kList:
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring invalid config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring invalid environment value", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
