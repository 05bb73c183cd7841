package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice-chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	RedactPII      bool

	UltravoxAPIKey  string
	UltravoxBaseURL string
	UltravoxVoice   string
	AgentName       string

	// ProvisionEndpointURL points call creation at an external /api/call
	// endpoint instead of the in-process Ultravox API client.
	ProvisionEndpointURL string

	JWTSecret  string
	JWTIssuer  string
	TokenTTL   time.Duration
	BcryptCost int

	DatabaseURL      string
	FirestoreProject string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "voicechat"),
		AllowAnyOrigin:       false,
		UltravoxAPIKey:       stringsTrimSpace("ULTRAVOX_API_KEY"),
		UltravoxBaseURL:      envOrDefault("ULTRAVOX_BASE_URL", "https://api.ultravox.ai"),
		UltravoxVoice:        stringsTrimSpace("ULTRAVOX_VOICE"),
		AgentName:            envOrDefault("APP_AGENT_NAME", "Alex"),
		ProvisionEndpointURL: stringsTrimSpace("APP_PROVISION_ENDPOINT_URL"),
		JWTSecret:            stringsTrimSpace("APP_JWT_SECRET"),
		JWTIssuer:            envOrDefault("APP_JWT_ISSUER", "alexlistens"),
		TokenTTL:             7 * 24 * time.Hour,
		BcryptCost:           0,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		FirestoreProject:     stringsTrimSpace("FIRESTORE_PROJECT_ID"),
		ShutdownTimeout:      15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL, err = durationFromEnv("APP_TOKEN_TTL", cfg.TokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.BcryptCost, err = intFromEnv("APP_BCRYPT_COST", cfg.BcryptCost)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("APP_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}

	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		return Config{}, fmt.Errorf("APP_JWT_SECRET must be at least 32 bytes")
	}
	if cfg.TokenTTL < time.Minute {
		return Config{}, fmt.Errorf("APP_TOKEN_TTL must be at least 1m")
	}
	if cfg.BcryptCost < 0 {
		return Config{}, fmt.Errorf("APP_BCRYPT_COST must be >= 0")
	}
	if cfg.DatabaseURL != "" && cfg.FirestoreProject != "" {
		return Config{}, fmt.Errorf("set only one of DATABASE_URL and FIRESTORE_PROJECT_ID")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
