package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the API server configuration
type Config struct {
	NodeEnv   string
	Port      string
	LogLevel  string
	JWTSecret string
	// TokenTTL is the lifetime of device bearer tokens.
	TokenTTL time.Duration
	// APIKeyHash is the bcrypt hash of the field API key exchanged at /auth/token.
	APIKeyHash     string
	RedisURL       string
	AllowedOrigins []string
	Database       DatabaseConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	// DataPath is where the embedded instance keeps its files.
	DataPath string
	Quiet    bool
}

// Embedded reports whether the server should run its own PostgreSQL instance.
func (c DatabaseConfig) Embedded() bool {
	return c.Host == "localhost" && c.Password == ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	apiKeyHash := os.Getenv("API_KEY_HASH")
	if apiKeyHash == "" {
		return nil, fmt.Errorf("API_KEY_HASH is required")
	}

	ttl, err := time.ParseDuration(getEnv("TOKEN_TTL", "12h"))
	if err != nil || ttl <= 0 {
		return nil, fmt.Errorf("invalid TOKEN_TTL %q", os.Getenv("TOKEN_TTL"))
	}

	return &Config{
		NodeEnv:        getEnv("NODE_ENV", "development"),
		Port:           getEnv("PORT", "3001"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		JWTSecret:      jwtSecret,
		TokenTTL:       ttl,
		APIKeyHash:     apiKeyHash,
		RedisURL:       os.Getenv("REDIS_URL"),
		AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "ganadoscan"),
			DataPath: getEnv("PG_DATA_PATH", "./db_data"),
			Quiet:    getEnv("DB_QUIET", "true") == "true",
		},
	}, nil
}

// IsProduction reports whether NODE_ENV is production.
func (c *Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
