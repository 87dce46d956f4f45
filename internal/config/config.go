/*
Logic: Comprehensive ingest-core configuration loaded from environment
variables (with optional .env override for local development), covering
warehouse identity bootstrap, vault, L1/L2 cache sizing, queue segment
policy, per-operation latency budgets, and uploader retry policy — the
full enumerated surface of §6.
*/
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven knob in §6.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Single warehouse identity (legacy / simple deployments).
	WarehouseAccount  string
	WarehouseUser     string
	WarehousePassword string
	WarehouseName     string
	WarehouseDatabase string
	WarehouseSchema   string
	WarehouseRole     string

	// Multi-identity vault bootstrap (CSV-aligned by index).
	WarehouseAccounts          []string
	WarehousePasswords         []string
	WarehouseAccountPriorities []int
	WarehouseMaxFailures       []int
	WarehouseCooldownMs        []int

	VaultEncryptionKey string
	VaultPath          string

	// L2 shared cache
	L2Host     string
	L2Port     int
	L2Password string
	L2DB       int
	L2Prefix   string

	// L1 cache sizing
	CacheMaxSize int
	CacheTTLMs   int

	// Append queue
	QueuePath      string
	QueueMaxSize   int64
	QueueMaxAgeMs  int
	QueueMaxEvents int

	// Latency budgets
	PerfGetContextP95Ms int
	PerfLogEventMs      int
	PerfSubmitQueryMs   int
	PerfDBQueryMs       int
	PerfConnectionMs    int

	// Uploader policy
	UploadBatchSize   int
	UploadIntervalMs  int
	RetryMaxAttempts  int
	RetryBackoffMs    int
	RetryMaxBackoffMs int

	// Query tag prefix, stamped on every pooled connection (§6).
	QueryTagPrefix string

	LogLevel string
}

// Load reads configuration from the environment and an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)

	cfg := &Config{
		Addr:            getEnv("INGEST_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,

		WarehouseAccount:  getEnv("WAREHOUSE_ACCOUNT", ""),
		WarehouseUser:     getEnv("WAREHOUSE_USER", ""),
		WarehousePassword: getEnv("WAREHOUSE_PASSWORD", ""),
		WarehouseName:     getEnv("WAREHOUSE_WAREHOUSE", ""),
		WarehouseDatabase: getEnv("WAREHOUSE_DATABASE", "activity"),
		WarehouseSchema:   getEnv("WAREHOUSE_SCHEMA", "public"),
		WarehouseRole:     getEnv("WAREHOUSE_ROLE", ""),

		WarehouseAccounts:          getEnvCSV("WAREHOUSE_ACCOUNTS"),
		WarehousePasswords:         getEnvCSV("WAREHOUSE_PASSWORDS"),
		WarehouseAccountPriorities: getEnvCSVInt("WAREHOUSE_ACCOUNT_PRIORITIES"),
		WarehouseMaxFailures:       getEnvCSVInt("WAREHOUSE_MAX_FAILURES"),
		WarehouseCooldownMs:        getEnvCSVInt("WAREHOUSE_COOLDOWN_MS"),

		VaultEncryptionKey: getEnv("VAULT_ENCRYPTION_KEY", ""),
		VaultPath:          getEnv("VAULT_PATH", "./vault.enc"),

		L2Host:     getEnv("L2_HOST", "localhost"),
		L2Port:     getEnvInt("L2_PORT", 6379),
		L2Password: getEnv("L2_PASSWORD", ""),
		L2DB:       getEnvInt("L2_DB", 0),
		L2Prefix:   getEnv("L2_PREFIX", "actcore"),

		CacheMaxSize: getEnvInt("CACHE_MAX_SIZE", 10000),
		CacheTTLMs:   getEnvInt("CACHE_TTL_MS", 5*60*1000),

		QueuePath:      getEnv("QUEUE_PATH", "./queue"),
		QueueMaxSize:   int64(getEnvInt("QUEUE_MAX_SIZE", 64*1024*1024)),
		QueueMaxAgeMs:  getEnvInt("QUEUE_MAX_AGE_MS", 5*60*1000),
		QueueMaxEvents: getEnvInt("QUEUE_MAX_EVENTS", 50000),

		PerfGetContextP95Ms: getEnvInt("PERF_GET_CONTEXT_P95_MS", 25),
		PerfLogEventMs:      getEnvInt("PERF_LOG_EVENT_MS", 10),
		PerfSubmitQueryMs:   getEnvInt("PERF_SUBMIT_QUERY_MS", 50),
		PerfDBQueryMs:       getEnvInt("PERF_DB_QUERY_MS", 1000),
		PerfConnectionMs:    getEnvInt("PERF_CONNECTION_MS", 5000),

		UploadBatchSize:   getEnvInt("UPLOAD_BATCH_SIZE", 500),
		UploadIntervalMs:  getEnvInt("UPLOAD_INTERVAL_MS", 2000),
		RetryMaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBackoffMs:    getEnvInt("RETRY_BACKOFF_MS", 1000),
		RetryMaxBackoffMs: getEnvInt("RETRY_MAX_BACKOFF_MS", 30000),

		QueryTagPrefix: getEnv("QUERY_TAG_PREFIX", "actcore"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func getEnvCSVInt(key string) []int {
	parts := getEnvCSV(key)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	return out
}
