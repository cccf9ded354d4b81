package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN)
	DatabaseURL string

	// Server bind address (host:port)
	ServerAddr string

	// Maximum database connection pool size
	MaxDBConnections int

	// Enable debug logging
	Debug bool

	// Log level (trace, debug, info, warn, error) and format (json, console)
	LogLevel  string
	LogFormat string

	// LockTimeout is the lease granted with every read or write lock.
	LockTimeout time.Duration

	// SessionTimeout is the idle duration after which a session is evicted.
	SessionTimeout time.Duration

	// DefaultEncoding is the payload encoding new sessions start with.
	DefaultEncoding string

	// SessionStore selects where session records are persisted: "db" or "redis".
	SessionStore string
	RedisURL     string

	// Failed-login throttling
	MaxLoginFailures   int
	LoginFailureWindow time.Duration

	// Interval of the expired-session cleanup job
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables with fallback defaults.
// A .env file in the working directory is applied first when present; it never
// overrides variables that are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		DatabaseURL:        getEnv("DATABASE_URL", "file:spine.db?cache=shared"),
		ServerAddr:         getEnv("SERVER_ADDR", "localhost:8080"),
		MaxDBConnections:   getEnvInt("MAX_DB_CONNECTIONS", 25),
		Debug:              getEnvBool("SPINE_DEBUG", false),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		LockTimeout:        getEnvDuration("LOCK_TIMEOUT", 5*time.Minute),
		SessionTimeout:     getEnvDuration("SESSION_TIMEOUT", 30*time.Minute),
		DefaultEncoding:    getEnv("DEFAULT_ENCODING", "utf-8"),
		SessionStore:       strings.ToLower(getEnv("SESSION_STORE", "db")),
		RedisURL:           getEnv("REDIS_URL", ""),
		MaxLoginFailures:   getEnvInt("MAX_LOGIN_FAILURES", 5),
		LoginFailureWindow: getEnvDuration("LOGIN_FAILURE_WINDOW", 15*time.Minute),
		CleanupInterval:    getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field combinations that Load cannot default away.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be positive, got %s", c.SessionTimeout)
	}
	switch c.SessionStore {
	case "db":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE=redis")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be \"db\" or \"redis\", got %q", c.SessionStore)
	}
	if c.MaxLoginFailures < 1 {
		return fmt.Errorf("MAX_LOGIN_FAILURES must be at least 1")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getEnvDuration retrieves a duration ("90s", "5m") or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
