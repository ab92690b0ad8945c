package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the assistant backend.
type Config struct {
	HTTPPort  string
	JWTSecret []byte

	Ledger    LedgerConfig
	Database  DatabaseConfig
	Provider  ProviderConfig
	Scheduler SchedulerConfig
	Usage     UsageConfig

	// Actions is the quick-action catalog, keyed by action name.
	// Populated from the ASSISTANT_ACTIONS env var (JSON). The catalog
	// contents are owned by the product; only the shape matters here.
	Actions map[string]ActionConfig
}

// LedgerConfig holds credit ledger settings
type LedgerConfig struct {
	Backend          string // "memory" or "postgres"
	DefaultLimit     int64  // monthly credits for accounts without a plan entry
	DefaultUnlimited bool
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ProviderConfig holds generation provider settings
type ProviderConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration // deadline for a single generation call
	HistoryLimit   int           // how many prior messages feed a chat turn
}

// SchedulerConfig holds quota reset and watchdog settings
type SchedulerConfig struct {
	SweepInterval    time.Duration // how often to scan for expired windows
	WatchdogInterval time.Duration
	WatchdogTTL      time.Duration // how long a reservation may stay in flight
}

// UsageConfig holds usage event pipeline settings
type UsageConfig struct {
	Backend       string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BatchSize     int
	BatchTimeout  time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// ActionConfig describes one quick action.
type ActionConfig struct {
	Prompt string `json:"prompt"`
	Cost   int64  `json:"cost"`
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val == "true" || val == "1"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	port := getEnvString("HTTP_PORT", "8080")
	jwtSecret := []byte(getEnvString("JWT_SECRET", ""))
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	ledgerBackend := getEnvString("LEDGER_BACKEND", "memory")
	dbURL := os.Getenv("DATABASE_URL")
	if ledgerBackend == "postgres" && dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when LEDGER_BACKEND=postgres")
	}

	cfg := &Config{
		HTTPPort:  port,
		JWTSecret: jwtSecret,
		Ledger: LedgerConfig{
			Backend:          ledgerBackend,
			DefaultLimit:     getEnvInt64("LEDGER_DEFAULT_LIMIT", 50),
			DefaultUnlimited: getEnvBool("LEDGER_DEFAULT_UNLIMITED", false),
		},
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Provider: ProviderConfig{
			BaseURL:        getEnvString("PROVIDER_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         getEnvString("PROVIDER_API_KEY", ""),
			Model:          getEnvString("PROVIDER_MODEL", "gpt-4o-mini"),
			RequestTimeout: getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 60*time.Second),
			HistoryLimit:   getEnvInt("PROVIDER_HISTORY_LIMIT", 20),
		},
		Scheduler: SchedulerConfig{
			SweepInterval:    getEnvDuration("QUOTA_SWEEP_INTERVAL", 6*time.Hour),
			WatchdogInterval: getEnvDuration("WATCHDOG_INTERVAL", 30*time.Second),
			WatchdogTTL:      getEnvDuration("WATCHDOG_TTL", 5*time.Minute),
		},
		Usage: UsageConfig{
			Backend:       getEnvString("USAGE_QUEUE_BACKEND", "memory"),
			RedisAddr:     getEnvString("REDIS_ADDRESS", "localhost:6379"),
			RedisPassword: getEnvString("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			BatchSize:     getEnvInt("USAGE_BATCH_SIZE", 100),
			BatchTimeout:  getEnvDuration("USAGE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:    getEnvInt("USAGE_MAX_RETRIES", 3),
			RetryBackoff:  getEnvDuration("USAGE_RETRY_BACKOFF", 1*time.Second),
		},
		Actions: defaultActions(),
	}

	if raw := os.Getenv("ASSISTANT_ACTIONS"); raw != "" {
		var actions map[string]ActionConfig
		if err := json.Unmarshal([]byte(raw), &actions); err != nil {
			return nil, fmt.Errorf("invalid ASSISTANT_ACTIONS: %w", err)
		}
		cfg.Actions = actions
	}

	return cfg, nil
}

// defaultActions is a minimal built-in catalog so the service runs without
// ASSISTANT_ACTIONS configured. Deployments override it.
func defaultActions() map[string]ActionConfig {
	return map[string]ActionConfig{
		"improve-bio": {
			Prompt: "Rewrite the following link-in-bio description to be clearer and more engaging. Reply with the rewritten text only.",
			Cost:   1,
		},
		"suggest-links": {
			Prompt: "Suggest link titles and short descriptions that fit the following link-in-bio page. Reply as a short list.",
			Cost:   2,
		},
	}
}
