package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration, loaded once at startup from
// environment variables.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Auth     AuthConfig     `json:"auth"`
	Exchange ExchangeConfig `json:"exchange"`
	Jobs     JobsConfig     `json:"jobs"`
	Risk     RiskConfig     `json:"risk"`
	Bots     BotsConfig     `json:"bots"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds, grace window
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string `json:"url"`
}

// RedisConfig holds Redis configuration for the cache layer and job queue
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// AuthConfig holds token signing and credential encryption configuration
type AuthConfig struct {
	JWTSigningKey           string        `json:"jwt_signing_key"`
	AccessTokenDuration     time.Duration `json:"access_token_duration"`
	CredentialEncryptionKey string        `json:"credential_encryption_key"` // 32 bytes, hex or raw
}

// ExchangeConfig holds per-venue endpoint configuration
type ExchangeConfig struct {
	FuturesBaseURL       string `json:"futures_base_url"`
	FuturesTestnetURL    string `json:"futures_testnet_url"`
	FuturesStreamURL     string `json:"futures_stream_url"`
	FuturesTestStreamURL string `json:"futures_test_stream_url"`
	RequestTimeout       int    `json:"request_timeout"` // seconds
	RecvWindowMs         int    `json:"recv_window_ms"`
}

// JobsConfig holds job system configuration
type JobsConfig struct {
	WorkerPoolSize       int `json:"worker_pool_size"`
	SchedulerTickSeconds int `json:"scheduler_tick_seconds"`
	DefaultTimeoutSecs   int `json:"default_timeout_secs"`
	DefaultMaxRetries    int `json:"default_max_retries"`
	JobDataTTLDays       int `json:"job_data_ttl_days"`
	JobResultTTLDays     int `json:"job_result_ttl_days"`
}

// RiskConfig holds risk engine configuration
type RiskConfig struct {
	SweepSeconds       int     `json:"sweep_seconds"`
	PreTradeTimeoutMs  int     `json:"pre_trade_timeout_ms"`
	DriftTolerancePcnt float64 `json:"drift_tolerance_pcnt"`
	EmergencyOnBreach  bool    `json:"emergency_on_breach"`
}

// BotsConfig holds bot runtime configuration
type BotsConfig struct {
	TickBudgetMs    int `json:"tick_budget_ms"`
	MailboxSize     int `json:"mailbox_size"`
	MaxTickOverruns int `json:"max_tick_overruns"`
	MaxTickErrors   int `json:"max_tick_errors"`
}

// LoggingConfig controls the zerolog root logger
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load reads configuration from the environment, applying defaults for
// everything except the secrets, which are required.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvIntOrDefault("SERVER_PORT", 8080),
			AllowedOrigins:  getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*"),
			ReadTimeout:     getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:    getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30),
			ShutdownTimeout: getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10),
		},
		Database: DatabaseConfig{
			URL: getEnvOrDefault("DATABASE_URL", "postgres://localhost:5432/trading?sslmode=disable"),
		},
		Redis: RedisConfig{
			Address:  getEnvOrDefault("REDIS_URL", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
			PoolSize: getEnvIntOrDefault("REDIS_POOL_SIZE", 10),
		},
		Auth: AuthConfig{
			JWTSigningKey:           os.Getenv("JWT_SIGNING_KEY"),
			AccessTokenDuration:     getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 30*time.Minute),
			CredentialEncryptionKey: os.Getenv("CREDENTIAL_ENCRYPTION_KEY"),
		},
		Exchange: ExchangeConfig{
			FuturesBaseURL:       getEnvOrDefault("BINANCE_FUTURES_BASE_URL", "https://fapi.binance.com"),
			FuturesTestnetURL:    getEnvOrDefault("BINANCE_FUTURES_TESTNET_URL", "https://testnet.binancefuture.com"),
			FuturesStreamURL:     getEnvOrDefault("BINANCE_FUTURES_STREAM_URL", "wss://fstream.binance.com"),
			FuturesTestStreamURL: getEnvOrDefault("BINANCE_FUTURES_TEST_STREAM_URL", "wss://stream.binancefuture.com"),
			RequestTimeout:       getEnvIntOrDefault("EXCHANGE_REQUEST_TIMEOUT", 10),
			RecvWindowMs:         getEnvIntOrDefault("EXCHANGE_RECV_WINDOW_MS", 5000),
		},
		Jobs: JobsConfig{
			WorkerPoolSize:       getEnvIntOrDefault("WORKER_POOL_SIZE", 4),
			SchedulerTickSeconds: getEnvIntOrDefault("SCHEDULER_TICK_SECONDS", 30),
			DefaultTimeoutSecs:   getEnvIntOrDefault("JOB_DEFAULT_TIMEOUT_SECONDS", 300),
			DefaultMaxRetries:    getEnvIntOrDefault("JOB_DEFAULT_MAX_RETRIES", 3),
			JobDataTTLDays:       getEnvIntOrDefault("JOB_DATA_TTL_DAYS", 7),
			JobResultTTLDays:     getEnvIntOrDefault("JOB_RESULT_TTL_DAYS", 1),
		},
		Risk: RiskConfig{
			SweepSeconds:       getEnvIntOrDefault("RISK_SWEEP_SECONDS", 60),
			PreTradeTimeoutMs:  getEnvIntOrDefault("RISK_PRE_TRADE_TIMEOUT_MS", 100),
			DriftTolerancePcnt: getEnvFloatOrDefault("RISK_DRIFT_TOLERANCE_PERCENT", 0.01),
			EmergencyOnBreach:  getEnvOrDefault("RISK_EMERGENCY_ON_BREACH", "true") == "true",
		},
		Bots: BotsConfig{
			TickBudgetMs:    getEnvIntOrDefault("BOT_TICK_BUDGET_MS", 250),
			MailboxSize:     getEnvIntOrDefault("BOT_MAILBOX_SIZE", 256),
			MaxTickOverruns: getEnvIntOrDefault("BOT_MAX_TICK_OVERRUNS", 3),
			MaxTickErrors:   getEnvIntOrDefault("BOT_MAX_TICK_ERRORS", 3),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Pretty: getEnvOrDefault("LOG_PRETTY", "false") == "true",
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and sane.
func (c *Config) Validate() error {
	if c.Auth.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required")
	}
	if len(c.Auth.CredentialEncryptionKey) < 32 {
		return fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be at least 32 bytes")
	}
	if c.Jobs.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be >= 1")
	}
	if c.Risk.SweepSeconds < 1 {
		return fmt.Errorf("RISK_SWEEP_SECONDS must be >= 1")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
