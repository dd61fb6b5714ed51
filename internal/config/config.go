package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// AuthMode selects how the connection endpoints identify the owner.
type AuthMode string

const (
	// AuthModeBearer resolves the owner from a signed bearer token.
	AuthModeBearer AuthMode = "bearer"
	// AuthModeTrustedOwner accepts a caller-supplied owner id.
	AuthModeTrustedOwner AuthMode = "trusted-owner"
)

type Config struct {
	HTTPPort    string
	DatabaseURL string
	LogLevel    string
	LogFormat   string
	JWTSecret   string

	GeminiAPIKey   string
	GeminiModel    string
	GenerateTitles bool

	ComposioAPIKey     string
	ComposioBaseURL    string
	ComposioMaxRetries int
	VendorTimeout      time.Duration

	AuthMode         AuthMode
	PollInterval     time.Duration
	PollMaxAttempts  int
	HistoryLimit     int
	IntegrationsFile string

	RedisURL   string
	RateLimit  int
	RateWindow time.Duration
}

// Load reads the configuration from the process environment, after loading
// a .env file when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}
	cfg := &Config{
		HTTPPort:    e.str("HTTP_PORT", "8080"),
		DatabaseURL: e.str("DATABASE_URL", "slashy.db"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		LogFormat:   e.str("LOG_FORMAT", "json"),
		JWTSecret:   e.str("JWT_SECRET", ""),

		GeminiAPIKey:   e.str("GEMINI_API_KEY", ""),
		GeminiModel:    e.str("GEMINI_MODEL", "gemini-2.0-flash"),
		GenerateTitles: e.boolean("GENERATE_TITLES", false),

		ComposioAPIKey:     e.str("COMPOSIO_API_KEY", ""),
		ComposioBaseURL:    strings.TrimRight(e.str("COMPOSIO_BASE_URL", "https://backend.composio.dev"), "/"),
		ComposioMaxRetries: e.integer("COMPOSIO_MAX_RETRIES", 2),
		VendorTimeout:      e.duration("VENDOR_TIMEOUT", 30*time.Second),

		AuthMode:         AuthMode(strings.ToLower(e.str("AUTH_MODE", string(AuthModeBearer)))),
		PollInterval:     e.duration("POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts:  e.integer("POLL_MAX_ATTEMPTS", 60),
		HistoryLimit:     e.integer("HISTORY_LIMIT", 20),
		IntegrationsFile: e.str("INTEGRATIONS_FILE", ""),

		RedisURL:   e.str("REDIS_URL", ""),
		RateLimit:  e.integer("RATE_LIMIT", 30),
		RateWindow: e.duration("RATE_WINDOW", time.Minute),
	}
	if e.err != nil {
		return nil, e.err
	}

	switch cfg.AuthMode {
	case AuthModeBearer, AuthModeTrustedOwner:
	default:
		return nil, fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeBearer, AuthModeTrustedOwner, cfg.AuthMode)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}
	if cfg.HistoryLimit <= 0 {
		return nil, fmt.Errorf("HISTORY_LIMIT must be positive, got %d", cfg.HistoryLimit)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	if cfg.PollMaxAttempts <= 0 {
		return nil, fmt.Errorf("POLL_MAX_ATTEMPTS must be positive, got %d", cfg.PollMaxAttempts)
	}
	return cfg, nil
}

// RequireGemini reports an error when the completion provider is not
// configured. Only the serving commands need it.
func (c *Config) RequireGemini() error {
	if c.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY environment variable is required")
	}
	return nil
}

// AuthConfigOverrides returns COMPOSIO_AUTH_<ID> values keyed by lower-cased id.
func AuthConfigOverrides(environ []string) map[string]string {
	const prefix = "COMPOSIO_AUTH_"
	out := map[string]string{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || value == "" {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(key, prefix))] = value
	}
	return out
}

type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key, defaultValue string) string {
	if value, exists := e.lookup(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func (e *env) integer(key string, defaultValue int) int {
	valueStr := e.str(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		e.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}

func (e *env) boolean(key string, defaultValue bool) bool {
	valueStr := e.str(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		e.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}

func (e *env) duration(key string, defaultValue time.Duration) time.Duration {
	valueStr := e.str(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		e.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}

func (e *env) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}
