package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	StoreDriver string // "sqlite" | "postgres"
	SQLitePath  string
	DatabaseURL string

	CacheDriver string // "memory" | "redis"
	RedisAddr   string
	CacheTTL    time.Duration

	JWTSecret          string
	AccessTokenMinutes int
	CORSOrigins        []string

	// Optimistic relay / deferred commit.
	RelayDelay        time.Duration
	CommitTimeout     time.Duration
	CommitterCapacity int

	// Event log.
	EventLogDir       string
	EventLogParts     int
	ConsumerGroup     string
	ConsumerCooldown  time.Duration
	ConsumerPollEvery time.Duration

	Debug bool
}

func Load() (*Config, error) {
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "chatify")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}

	cfg := &Config{
		AppName: getEnv("APP_NAME", "Chatify API"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 5000),

		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		SQLitePath:  getEnv("SQLITE_PATH", "chatify.db"),
		DatabaseURL: u.String(),

		CacheDriver: getEnv("CACHE_DRIVER", "memory"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		CacheTTL:    getEnvAsDuration("CACHE_TTL", time.Hour),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		AccessTokenMinutes: getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60*24),

		RelayDelay:        getEnvAsDuration("RELAY_COMMIT_DELAY", 3*time.Second),
		CommitTimeout:     getEnvAsDuration("COMMIT_TIMEOUT", 10*time.Second),
		CommitterCapacity: getEnvAsInt("COMMITTER_CAPACITY", 1024),

		EventLogDir:       getEnv("EVENTLOG_DIR", "eventlog"),
		EventLogParts:     getEnvAsInt("EVENTLOG_PARTITIONS", 16),
		ConsumerGroup:     getEnv("CONSUMER_GROUP", "chatify-group"),
		ConsumerCooldown:  getEnvAsDuration("CONSUMER_COOLDOWN", time.Minute),
		ConsumerPollEvery: getEnvAsDuration("CONSUMER_POLL_INTERVAL", 200*time.Millisecond),

		Debug: getEnvAsBool("DEBUG", true),
	}

	cors := getEnv("CORS_ORIGINS", "")
	if cors != "" {
		parts := strings.Split(cors, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.StoreDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be 'sqlite' or 'postgres', got %q", cfg.StoreDriver)
	}
	switch cfg.CacheDriver {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("CACHE_DRIVER must be 'memory' or 'redis', got %q", cfg.CacheDriver)
	}
	if cfg.EventLogParts <= 0 {
		return nil, fmt.Errorf("EVENTLOG_PARTITIONS must be positive")
	}
	if cfg.CommitterCapacity <= 0 {
		return nil, fmt.Errorf("COMMITTER_CAPACITY must be positive")
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
