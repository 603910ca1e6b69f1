package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	secretService = "conversa"
	envFile       = ".env"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Dispatch  DispatchConfig
	Invoker   InvokerConfig
	Mapper    MapperConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
	Vault     VaultConfig
}

type ServerConfig struct {
	Port           int
	Environment    string
	AllowedOrigins []string
	APIToken       string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type DispatchConfig struct {
	ConfidenceThreshold float64
	Timeout             time.Duration
	ContextMessages     int
}

type InvokerConfig struct {
	CallTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

type MapperConfig struct {
	Strict bool
}

type CacheConfig struct {
	TTLDefault time.Duration
	TTLWeather time.Duration
	TTLCrypto  time.Duration
	TTLNews    time.Duration
	MaxEntries int
}

// TTLByCategory maps descriptor categories to their cache lifetime.
func (c CacheConfig) TTLByCategory() map[string]time.Duration {
	return map[string]time.Duration{
		"weather":        c.TTLWeather,
		"cryptocurrency": c.TTLCrypto,
		"crypto":         c.TTLCrypto,
		"news":           c.TTLNews,
	}
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
}

type VaultConfig struct {
	MasterKey string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8000,
			Environment:    "development",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Dispatch: DispatchConfig{
			ConfidenceThreshold: 0.2,
			Timeout:             20 * time.Second,
			ContextMessages:     5,
		},
		Invoker: InvokerConfig{
			CallTimeout:    10 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
		},
		Cache: CacheConfig{
			TTLDefault: 5 * time.Minute,
			TTLWeather: 10 * time.Minute,
			TTLCrypto:  time.Minute,
			TTLNews:    30 * time.Minute,
			MaxEntries: 1000,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Load reads configuration from, in increasing precedence: defaults, the
// platform-native backend, a .env file in the working directory, and
// process environment variables (CONVERSA_*).
//
// On macOS the backend is UserDefaults (domain: com.conversa.app) and
// secrets fall back to macOS Keychain. Elsewhere the backend is a JSON file
// at $XDG_CONFIG_HOME/conversa/config.json and secrets fall back to
// $XDG_DATA_HOME/conversa/secrets.json.
//
// A missing master key is not an error here; the vault refuses to start
// without one.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{}, envLookup(envFile))
}

// Getenv looks a variable up in the process environment, then in the .env
// file. Credentials named by the API catalog are read this way.
func Getenv() func(string) string {
	return envLookup(envFile)
}

// keychain abstracts the platform secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

// envLookup returns a lookup that prefers the process environment over the
// .env file at path, the way godotenv.Load does without mutating os.Environ.
func envLookup(path string) func(string) string {
	dotenv, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read env file", "path", path, "error", err)
	}
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}
}

func loadWith(b ConfigBackend, kc keychain, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg, getenv)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first out-of-range setting.
func (c Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Dispatch.ConfidenceThreshold < 0 || c.Dispatch.ConfidenceThreshold > 1:
		return fmt.Errorf("dispatch.confidence_threshold %v not in [0,1]", c.Dispatch.ConfidenceThreshold)
	case c.Dispatch.Timeout <= 0 || c.Invoker.CallTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	case c.Invoker.MaxAttempts < 1:
		return fmt.Errorf("invoker.max_attempts must be at least 1")
	case c.Cache.MaxEntries < 1:
		return fmt.Errorf("cache.max_entries must be at least 1")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (l LogConfig) SlogLevel() slog.Level {
	lvl, _ := parseLevel(l.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
