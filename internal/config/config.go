// Package config assembles the call service's typed runtime configuration
// from the environment.
package config

import (
	"fmt"
	"time"

	"linguachat-backend/pkg/constants"
	"linguachat-backend/pkg/env"
)

// Config is the call service's runtime configuration
type Config struct {
	Env  string
	Port string

	Log       LogConfig
	JWT       JWTConfig
	DB        CockroachConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	Call      CallConfig
}

// LogConfig configures the global zap logger
type LogConfig struct {
	Level  string
	Format string
}

// JWTConfig configures token validation
type JWTConfig struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// CockroachConfig locates the call session database
type CockroachConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig locates the presence/fan-out/token store
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig locates the optional call event archive
type CassandraConfig struct {
	Host     string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// CallConfig tunes call coordination behavior
type CallConfig struct {
	// RingTimeout is how long a ringing session may go unanswered before
	// the reaper may reclaim it
	RingTimeout time.Duration

	// SaveMaxAttempts bounds the conditional-write retry loop
	SaveMaxAttempts int

	// SaveBaseBackoff is multiplied by the attempt count between retries
	SaveBaseBackoff time.Duration

	// SaveMaxBackoff caps the delay between retries
	SaveMaxBackoff time.Duration

	// InitiateRateLimit is the per-user initiate budget per minute
	InitiateRateLimit int
}

// Load reads the configuration from the environment. Secrets support the
// _FILE Docker-secret convention via env.GetStringFromFile.
func Load() (*Config, error) {
	cfg := &Config{
		Env:  env.GetString("ENV", "development"),
		Port: env.GetString("PORT", "8084"),

		Log: LogConfig{
			Level:  env.GetString("LOG_LEVEL", "info"),
			Format: env.GetString("LOG_FORMAT", "json"),
		},

		JWT: JWTConfig{
			Secret:          env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenTTL:  env.GetDuration("JWT_ACCESS_TOKEN_TTL", constants.AccessTokenExpiry),
			RefreshTokenTTL: env.GetDuration("JWT_REFRESH_TOKEN_TTL", constants.RefreshTokenExpiry),
		},

		DB: CockroachConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "linguachat"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
		},

		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},

		Cassandra: CassandraConfig{
			Host:     env.GetString("CASSANDRA_HOST", "localhost"),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "linguachat_ks"),
			Username: env.GetString("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 10*time.Second),
		},

		Call: CallConfig{
			RingTimeout:       env.GetDuration("CALL_RING_TIMEOUT", constants.CallRingTimeout),
			SaveMaxAttempts:   env.GetInt("CALL_SAVE_MAX_ATTEMPTS", constants.CallSaveMaxAttempts),
			SaveBaseBackoff:   env.GetDuration("CALL_SAVE_BASE_BACKOFF", constants.CallSaveBaseBackoff),
			SaveMaxBackoff:    env.GetDuration("CALL_SAVE_MAX_BACKOFF", constants.CallSaveMaxBackoff),
			InitiateRateLimit: env.GetInt("CALL_INITIATE_RATE_LIMIT", 30),
		},
	}

	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWT.Secret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if cfg.Call.SaveMaxAttempts < 1 {
		return nil, fmt.Errorf("CALL_SAVE_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
