package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	QuoteConfig    QuoteConfig    `json:"quote"`
	TrackingConfig TrackingConfig `json:"tracking"`
	PaymentConfig  PaymentConfig  `json:"payment"`
	TelegramConfig TelegramConfig `json:"telegram"`
	AuthConfig     AuthConfig     `json:"auth"`
	VaultConfig    VaultConfig    `json:"vault"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
	WebhookSecret   string `json:"webhook_secret"` // Shared secret for the bank webhook
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for advisory locks and event dedup
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// QuoteConfig holds quote source configuration
type QuoteConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

// TrackingConfig holds outcome tracking engine configuration
type TrackingConfig struct {
	RoundInterval   time.Duration `json:"round_interval"`    // Spacing between rounds
	MaxRounds       int           `json:"max_rounds"`        // Rounds before a losing session terminates
	GraceDelay      time.Duration `json:"grace_delay"`       // Delay applied to overdue or implausible schedules
	SanityCeiling   time.Duration `json:"sanity_ceiling"`    // Computed delays beyond this are not trusted
	RetryBackoff    time.Duration `json:"retry_backoff"`     // Backoff after a quote fetch failure
	MaxQuoteRetries int           `json:"max_quote_retries"` // Attempts per round before the session errors out
	SweepInterval   time.Duration `json:"sweep_interval"`    // How often the scheduler polls for due sessions
	ClaimReclaim    time.Duration `json:"claim_reclaim"`     // Crashed checks become claimable again after this
	IdleCeiling     time.Duration `json:"idle_ceiling"`      // Sessions idle past this are force-terminated
	MaxConcurrent   int           `json:"max_concurrent"`    // Concurrent round checks
}

// PaymentConfig holds payment reconciliation configuration
type PaymentConfig struct {
	TTL            time.Duration `json:"ttl"`              // Pending payment lifetime
	MatchWindow    time.Duration `json:"match_window"`     // Max distance between event and payment creation
	TagWindow      time.Duration `json:"tag_window"`       // Window in which fractional tags must be unique
	TagMaxAttempts int           `json:"tag_max_attempts"` // Draws before TagExhausted
	BankTimezone   string        `json:"bank_timezone"`    // IANA zone of the bank's wall-clock timestamps
	SweepInterval  time.Duration `json:"sweep_interval"`   // Expiry sweep cadence
}

// TelegramConfig holds the messaging gateway configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // DEBUG, INFO, WARN, ERROR
	Output string `json:"output"` // stdout, stderr, or file path
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)
	cfg.ServerConfig.WebhookSecret = getEnvOrDefault("BANK_WEBHOOK_SECRET", cfg.ServerConfig.WebhookSecret)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "postgres")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "candle_signal")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Quote source config
	cfg.QuoteConfig.BaseURL = getEnvOrDefault("QUOTE_BASE_URL", cfg.QuoteConfig.BaseURL)
	if cfg.QuoteConfig.BaseURL == "" {
		cfg.QuoteConfig.BaseURL = "https://api.binance.com"
	}
	cfg.QuoteConfig.Timeout = getEnvDurationOrDefault("QUOTE_TIMEOUT", 30*time.Second)

	// Tracking config
	cfg.TrackingConfig.RoundInterval = getEnvDurationOrDefault("TRACKING_ROUND_INTERVAL", 5*time.Minute)
	cfg.TrackingConfig.MaxRounds = getEnvIntOrDefault("TRACKING_MAX_ROUNDS", 7)
	cfg.TrackingConfig.GraceDelay = getEnvDurationOrDefault("TRACKING_GRACE_DELAY", 10*time.Second)
	cfg.TrackingConfig.SanityCeiling = getEnvDurationOrDefault("TRACKING_SANITY_CEILING", time.Hour)
	cfg.TrackingConfig.RetryBackoff = getEnvDurationOrDefault("TRACKING_RETRY_BACKOFF", 30*time.Second)
	cfg.TrackingConfig.MaxQuoteRetries = getEnvIntOrDefault("TRACKING_MAX_QUOTE_RETRIES", 5)
	cfg.TrackingConfig.SweepInterval = getEnvDurationOrDefault("TRACKING_SWEEP_INTERVAL", 5*time.Second)
	cfg.TrackingConfig.ClaimReclaim = getEnvDurationOrDefault("TRACKING_CLAIM_RECLAIM", 90*time.Second)
	cfg.TrackingConfig.IdleCeiling = getEnvDurationOrDefault("TRACKING_IDLE_CEILING", 2*time.Hour)
	cfg.TrackingConfig.MaxConcurrent = getEnvIntOrDefault("TRACKING_MAX_CONCURRENT", 10)

	// Payment config
	cfg.PaymentConfig.TTL = getEnvDurationOrDefault("PAYMENT_TTL", 10*time.Minute)
	cfg.PaymentConfig.MatchWindow = getEnvDurationOrDefault("PAYMENT_MATCH_WINDOW", 10*time.Minute)
	cfg.PaymentConfig.TagWindow = getEnvDurationOrDefault("PAYMENT_TAG_WINDOW", 10*time.Minute)
	cfg.PaymentConfig.TagMaxAttempts = getEnvIntOrDefault("PAYMENT_TAG_MAX_ATTEMPTS", 25)
	cfg.PaymentConfig.BankTimezone = getEnvOrDefault("PAYMENT_BANK_TIMEZONE", "Asia/Seoul")
	cfg.PaymentConfig.SweepInterval = getEnvDurationOrDefault("PAYMENT_SWEEP_INTERVAL", 30*time.Second)

	// Telegram config
	cfg.TelegramConfig.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.TelegramConfig.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.TelegramConfig.BotToken)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "candle-signal-bot/secrets")

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
