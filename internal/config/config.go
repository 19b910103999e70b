package config

import (
	"fmt"
	"time"

	"wavelink-backend/pkg/env"
)

// Config holds all environment configuration for the realtime service
type Config struct {
	Env      string
	HTTPPort string

	DBHost    string
	DBPort    string
	DBUser    string
	DBName    string
	DBSSLMode string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// JWTSecret must come from JWT_SECRET or JWT_SECRET_FILE; there is
	// no default and startup fails without it.
	JWTSecret string

	RingTimeout     time.Duration
	OfflineDebounce time.Duration
	BlockCacheTTL   time.Duration

	PushProvider string
}

// Load reads configuration from environment variables, supporting the
// _FILE convention for Docker secrets on sensitive values.
func Load() *Config {
	return &Config{
		Env:      env.GetString("ENV", "development"),
		HTTPPort: env.GetString("HTTP_PORT", "8084"),

		DBHost:    env.GetString("DB_HOST", "localhost"),
		DBPort:    env.GetString("DB_PORT", "26257"),
		DBUser:    env.GetString("DB_USER", "root"),
		DBName:    env.GetString("DB_NAME", "wavelink"),
		DBSSLMode: env.GetString("DB_SSLMODE", "disable"),

		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetInt("REDIS_PORT", 6379),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),
		RedisDB:       env.GetInt("REDIS_DB", 0),

		JWTSecret: env.GetStringFromFile("JWT_SECRET", ""),

		RingTimeout:     env.GetDuration("CALL_RING_TIMEOUT", 45*time.Second),
		OfflineDebounce: env.GetDuration("PRESENCE_OFFLINE_DEBOUNCE", 3*time.Second),
		BlockCacheTTL:   env.GetDuration("BLOCK_CACHE_TTL", 30*time.Second),

		PushProvider: env.GetString("PUSH_PROVIDER", ""),
	}
}

// DBConnectionString returns the CockroachDB connection string
func (c *Config) DBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBName, c.DBSSLMode)
}
