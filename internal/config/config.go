// Package config handles loading and validating configuration from environment variables.
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

// Config holds all configuration values for one worker process.
type Config struct {
	// Worker identity, set from the command line
	WorkerID int

	// Chain RPC
	RPCURL        string
	RPCWSURL      string
	RPCCommitment string
	FetchTimeout  time.Duration

	// Start signal broadcast
	RedisCmdAddr      string
	RedisDataAddr     string
	RedisPassword     string
	StartChannel      string
	StrictStartSignal bool

	// Slot partitioning
	WorkerCount  int
	TickInterval time.Duration
	Stagger      time.Duration
	MaxInFlight  int

	// Handoff channels
	QueueCapacity    int
	ShmEnabled       bool
	ShmName          string
	ShmSize          int
	ShmUnlinkOnExit  bool
	MailboxPoll      time.Duration
	MailboxWarnAfter time.Duration
	MailboxMaxWait   time.Duration
	MailboxStale     time.Duration // claim age before takeover

	// Detection and enrichment
	RulesFile      string
	RaydiumAPIURL  string
	EnrichTimeout  time.Duration
	MaxPoolAge     time.Duration
	PublishChannel string
	PoolServerURL  string

	// Metrics
	PrometheusPort int

	// UI
	EnableTUI     bool
	UIRefreshRate time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > hardcoded defaults
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		WorkerID: getEnvInt("WORKER_ID", -1),

		// RPC
		RPCURL:        getEnv("RPC_URL", "https://api.mainnet-beta.solana.com"),
		RPCWSURL:      getEnv("RPC_WS_URL", ""),
		RPCCommitment: getEnv("RPC_COMMITMENT", "confirmed"),
		FetchTimeout:  time.Duration(getEnvInt("FETCH_TIMEOUT_MS", 10000)) * time.Millisecond,

		// Broadcast
		RedisCmdAddr:      getEnv("REDIS_CMD_ADDR", "localhost:6379"),
		RedisDataAddr:     getEnv("REDIS_DATA_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		StartChannel:      getEnv("START_CHANNEL", "start-work"),
		StrictStartSignal: getEnvBool("STRICT_START_SIGNAL", false),

		// Partitioning
		WorkerCount:  getEnvInt("WORKER_COUNT", 6),
		TickInterval: time.Duration(getEnvInt("TICK_INTERVAL_MS", 2400)) * time.Millisecond,
		Stagger:      time.Duration(getEnvInt("STAGGER_MS", 400)) * time.Millisecond,
		MaxInFlight:  getEnvInt("MAX_IN_FLIGHT", 8),

		// Handoff
		QueueCapacity:    getEnvInt("QUEUE_CAPACITY", 1000),
		ShmEnabled:       getEnvBool("SHM_ENABLED", true),
		ShmName:          getEnv("SHM_NAME", "solana_json_shm"),
		ShmSize:          getEnvInt("SHM_SIZE", 10*1024*1024),
		ShmUnlinkOnExit:  getEnvBool("SHM_UNLINK_ON_EXIT", false),
		MailboxPoll:      time.Duration(getEnvInt("MAILBOX_POLL_MS", 5)) * time.Millisecond,
		MailboxWarnAfter: time.Duration(getEnvInt("MAILBOX_WARN_MS", 500)) * time.Millisecond,
		MailboxMaxWait:   time.Duration(getEnvInt("MAILBOX_MAX_WAIT_MS", 5000)) * time.Millisecond,
		MailboxStale:     time.Duration(getEnvInt("MAILBOX_STALE_CLAIM_MS", 10000)) * time.Millisecond,

		// Detection
		RulesFile:      getEnv("RULES_FILE", ""),
		RaydiumAPIURL:  getEnv("RAYDIUM_API_URL", "https://api-v3.raydium.io/pools/key/ids"),
		EnrichTimeout:  time.Duration(getEnvInt("ENRICH_TIMEOUT_MS", 5000)) * time.Millisecond,
		MaxPoolAge:     time.Duration(getEnvInt("MAX_POOL_AGE_SECONDS", 300)) * time.Second,
		PublishChannel: getEnv("PUBLISH_CHANNEL", "pool-monitor"),
		PoolServerURL:  getEnv("POOL_SERVER_URL", ""),

		// Metrics
		PrometheusPort: getEnvInt("PROMETHEUS_PORT", 9090),

		// UI
		EnableTUI:     getEnvBool("ENABLE_TUI", false),
		UIRefreshRate: time.Duration(getEnvInt("UI_REFRESH_MS", 500)) * time.Millisecond,

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogFile:  getEnv("LOG_FILE", "engine.log"),
	}

	if cfg.RedisDataAddr == "" {
		cfg.RedisDataAddr = cfg.RedisCmdAddr
	}
	if cfg.RPCWSURL == "" {
		cfg.RPCWSURL = DeriveWSURL(cfg.RPCURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
// WorkerID is checked separately by ValidateWorker because the command line
// may set it after Load.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	switch c.RPCCommitment {
	case "", "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("RPC_COMMITMENT must be processed, confirmed or finalized")
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL_MS must be positive")
	}

	if c.Stagger < 0 {
		return fmt.Errorf("STAGGER_MS must not be negative")
	}

	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT_MS must be positive")
	}

	if c.MaxInFlight < 1 {
		return fmt.Errorf("MAX_IN_FLIGHT must be at least 1")
	}

	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}

	if c.ShmEnabled && c.ShmSize <= 9 {
		return fmt.Errorf("SHM_SIZE must exceed the 9-byte mailbox header")
	}

	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		return fmt.Errorf("PROMETHEUS_PORT must be between 0 and 65535")
	}

	return nil
}

// ValidateWorker checks the worker id against the worker count.
func (c *Config) ValidateWorker() error {
	if c.WorkerID < 0 || c.WorkerID >= c.WorkerCount {
		return fmt.Errorf("worker id %d out of range [0, %d)", c.WorkerID, c.WorkerCount)
	}
	return nil
}

// MaskedRPCURL returns the RPC URL with its query string (where providers put
// API keys) hidden.
func (c *Config) MaskedRPCURL() string {
	u, err := url.Parse(c.RPCURL)
	if err != nil {
		return maskSecret(c.RPCURL)
	}
	if u.RawQuery != "" {
		u.RawQuery = maskSecret(u.RawQuery)
	}
	return u.String()
}

// MaskedRedisPassword returns the Redis password with most characters hidden.
func (c *Config) MaskedRedisPassword() string {
	return maskSecret(c.RedisPassword)
}

// DeriveWSURL maps an http(s) RPC endpoint to its websocket counterpart.
func DeriveWSURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
