// Package config loads client configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all karaoke client configuration.
type Config struct {
	// Server
	ServerURL  string // websocket endpoint for playlist traffic
	CatalogURL string // REST endpoint for song metadata

	// Identity
	Singer string // default singer name on queue requests

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics (watch mode)
	MetricsAddr string

	// Error reporting (optional)
	SentryDSN string

	// Timeouts and limits
	LoginTimeout    time.Duration
	MutationTimeout time.Duration
	ConnectAttempts int
	CacheMaxSongs   int

	// Persistence
	StorePath string // empty disables the on-disk store
}

// Load reads configuration from the environment, after a best-effort
// .env load. KARAOKE_SERVER_URL is the only required key.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerURL:       envOr("KARAOKE_SERVER_URL", ""),
		CatalogURL:      envOr("KARAOKE_CATALOG_URL", ""),
		Singer:          envOr("KARAOKE_SINGER", ""),
		LogLevel:        envOr("KARAOKE_LOG_LEVEL", "info"),
		LogFormat:       envOr("KARAOKE_LOG_FORMAT", "console"),
		MetricsAddr:     envOr("KARAOKE_METRICS_ADDR", ""),
		SentryDSN:       envOr("KARAOKE_SENTRY_DSN", ""),
		LoginTimeout:    envDuration("KARAOKE_LOGIN_TIMEOUT", 10*time.Second),
		MutationTimeout: envDuration("KARAOKE_MUTATION_TIMEOUT", 10*time.Second),
		ConnectAttempts: envInt("KARAOKE_CONNECT_ATTEMPTS", 10),
		CacheMaxSongs:   envInt("KARAOKE_CACHE_MAX_SONGS", 512),
		StorePath:       envOr("KARAOKE_STORE_PATH", ""),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("KARAOKE_SERVER_URL is required")
	}
	if cfg.CatalogURL == "" {
		derived, err := catalogFromServer(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("KARAOKE_CATALOG_URL is required: %w", err)
		}
		cfg.CatalogURL = derived
	}

	return cfg, nil
}

// catalogFromServer derives the REST base URL from the websocket URL:
// same host, http(s) scheme, no path.
func catalogFromServer(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
