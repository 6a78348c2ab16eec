package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Lock backends
const (
	LockBlob  = "blob"
	LockRedis = "redis"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Security SecurityConfig `json:"security"`
	Store    StoreConfig    `json:"store"`
	Ecobee   EcobeeConfig   `json:"ecobee"`
	Polling  PollingConfig  `json:"polling"`
	Auth     AuthConfig     `json:"auth"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	APIKey string `json:"api_key"`
}

// StoreConfig selects the shared custom data store. URL scheme picks the
// backend: sqlite, postgres, redis, dynamodb or memory.
type StoreConfig struct {
	URL          string `json:"url"`
	Namespace    string `json:"namespace"`
	Lock         string `json:"lock"` // "blob" or "redis"
	RedisLockURL string `json:"redis_lock_url"`
}

// EcobeeConfig contains provider API settings
type EcobeeConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Scope          string `json:"scope"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PollingConfig contains poll intervals and refresh tuning
type PollingConfig struct {
	ShortSeconds     int     `json:"short_seconds"`
	LongSeconds      int     `json:"long_seconds"`
	LockStaleSeconds int     `json:"lock_stale_seconds"`
	RefreshFactor    float64 `json:"refresh_factor"`
}

// AuthConfig contains PIN approval polling settings
type AuthConfig struct {
	PinInitialSeconds   int `json:"pin_initial_seconds"`
	PinIncrementSeconds int `json:"pin_increment_seconds"`
	PinMaxSeconds       int `json:"pin_max_seconds"`
	PinTimeoutSeconds   int `json:"pin_timeout_seconds"`
}

// TelegramConfig enables notice delivery to Telegram when BotToken is set
type TelegramConfig struct {
	BotToken string  `json:"bot_token"`
	ChatIDs  []int64 `json:"chat_ids"`
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Format     string `json:"format"`
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// ShortPoll returns the short poll interval
func (p PollingConfig) ShortPoll() time.Duration {
	return time.Duration(p.ShortSeconds) * time.Second
}

// LongPoll returns the long poll interval
func (p PollingConfig) LongPoll() time.Duration {
	return time.Duration(p.LongSeconds) * time.Second
}

// LockStale returns how old a refresh lock must be before it is seized
func (p PollingConfig) LockStale() time.Duration {
	return time.Duration(p.LockStaleSeconds) * time.Second
}

// Timeout returns the provider request timeout
func (e EcobeeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port", ErrInvalidConfig)
	}

	if c.Security.APIKey == "" {
		return fmt.Errorf("%w: API key is required", ErrInvalidConfig)
	}

	if c.Ecobee.APIKey == "" {
		return fmt.Errorf("%w: ecobee API key is required", ErrInvalidConfig)
	}
	if c.Ecobee.BaseURL == "" {
		c.Ecobee.BaseURL = "https://api.ecobee.com"
	}
	if c.Ecobee.Scope == "" {
		c.Ecobee.Scope = "smartWrite"
	}
	if c.Ecobee.TimeoutSeconds <= 0 {
		c.Ecobee.TimeoutSeconds = 30
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.Polling.ShortSeconds == 0 {
		c.Polling.ShortSeconds = 60
	}
	if c.Polling.LongSeconds == 0 {
		c.Polling.LongSeconds = 180
	}
	if c.Polling.ShortSeconds < 0 || c.Polling.LongSeconds < 0 {
		return fmt.Errorf("%w: poll intervals must be positive", ErrInvalidConfig)
	}
	if c.Polling.LockStaleSeconds <= 0 {
		c.Polling.LockStaleSeconds = 120
	}
	if c.Polling.RefreshFactor == 0 {
		c.Polling.RefreshFactor = 2
	}
	if c.Polling.RefreshFactor < 0 {
		return fmt.Errorf("%w: refresh factor must be positive", ErrInvalidConfig)
	}

	if c.Auth.PinInitialSeconds <= 0 {
		c.Auth.PinInitialSeconds = 30
	}
	if c.Auth.PinIncrementSeconds <= 0 {
		c.Auth.PinIncrementSeconds = 30
	}
	if c.Auth.PinMaxSeconds <= 0 {
		c.Auth.PinMaxSeconds = 180
	}
	if c.Auth.PinMaxSeconds < c.Auth.PinInitialSeconds {
		return fmt.Errorf("%w: pin max interval is below the initial interval", ErrInvalidConfig)
	}
	if c.Auth.PinTimeoutSeconds <= 0 {
		c.Auth.PinTimeoutSeconds = 600
	}

	if c.Telegram.BotToken != "" && len(c.Telegram.ChatIDs) == 0 {
		return fmt.Errorf("%w: telegram chat ids are required with a bot token", ErrInvalidConfig)
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10
	}

	return nil
}

func (c *Config) validateStore() error {
	if c.Store.URL == "" {
		c.Store.URL = "sqlite://./ecobridge.db"
	}
	u, err := url.Parse(c.Store.URL)
	if err != nil {
		return fmt.Errorf("%w: store url: %w", ErrInvalidConfig, err)
	}
	switch u.Scheme {
	case "sqlite", "postgres", "postgresql", "redis", "rediss", "dynamodb", "memory":
	default:
		return fmt.Errorf("%w: unsupported store scheme %q", ErrInvalidConfig, u.Scheme)
	}

	if c.Store.Namespace == "" {
		c.Store.Namespace = "ecobridge"
	}

	switch c.Store.Lock {
	case "":
		c.Store.Lock = LockBlob
	case LockBlob:
	case LockRedis:
		if c.Store.RedisLockURL == "" && u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("%w: redis lock needs a redis store or redis_lock_url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown lock %q", ErrInvalidConfig, c.Store.Lock)
	}
	return nil
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromEnv loads configuration from ECOBRIDGE_* environment variables.
// Variables already set win over those in the optional .env files.
func LoadFromEnv(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	config := &Config{
		Server: ServerConfig{
			Host: getEnv("ECOBRIDGE_HOST", "0.0.0.0"),
			Port: getEnvInt("ECOBRIDGE_PORT", 8080),
		},
		Security: SecurityConfig{
			APIKey: getEnv("ECOBRIDGE_API_KEY", ""),
		},
		Store: StoreConfig{
			URL:          getEnv("ECOBRIDGE_STORE_URL", ""),
			Namespace:    getEnv("ECOBRIDGE_STORE_NAMESPACE", ""),
			Lock:         getEnv("ECOBRIDGE_STORE_LOCK", ""),
			RedisLockURL: getEnv("ECOBRIDGE_REDIS_LOCK_URL", ""),
		},
		Ecobee: EcobeeConfig{
			APIKey:         getEnv("ECOBRIDGE_ECOBEE_API_KEY", ""),
			BaseURL:        getEnv("ECOBRIDGE_ECOBEE_BASE_URL", ""),
			Scope:          getEnv("ECOBRIDGE_ECOBEE_SCOPE", ""),
			TimeoutSeconds: getEnvInt("ECOBRIDGE_ECOBEE_TIMEOUT_SECONDS", 0),
		},
		Polling: PollingConfig{
			ShortSeconds:     getEnvInt("ECOBRIDGE_SHORT_POLL_SECONDS", 0),
			LongSeconds:      getEnvInt("ECOBRIDGE_LONG_POLL_SECONDS", 0),
			LockStaleSeconds: getEnvInt("ECOBRIDGE_LOCK_STALE_SECONDS", 0),
			RefreshFactor:    getEnvFloat("ECOBRIDGE_REFRESH_FACTOR", 0),
		},
		Auth: AuthConfig{
			PinInitialSeconds:   getEnvInt("ECOBRIDGE_PIN_INITIAL_SECONDS", 0),
			PinIncrementSeconds: getEnvInt("ECOBRIDGE_PIN_INCREMENT_SECONDS", 0),
			PinMaxSeconds:       getEnvInt("ECOBRIDGE_PIN_MAX_SECONDS", 0),
			PinTimeoutSeconds:   getEnvInt("ECOBRIDGE_PIN_TIMEOUT_SECONDS", 0),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("ECOBRIDGE_TELEGRAM_BOT_TOKEN", ""),
			ChatIDs:  getEnvInt64List("ECOBRIDGE_TELEGRAM_CHAT_IDS"),
		},
		Logging: LoggingConfig{
			Format:     getEnv("ECOBRIDGE_LOG_FORMAT", ""),
			Level:      getEnv("ECOBRIDGE_LOG_LEVEL", ""),
			File:       getEnv("ECOBRIDGE_LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("ECOBRIDGE_LOG_MAX_SIZE_MB", 0),
			MaxBackups: getEnvInt("ECOBRIDGE_LOG_MAX_BACKUPS", 0),
			MaxAgeDays: getEnvInt("ECOBRIDGE_LOG_MAX_AGE_DAYS", 0),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		fmt.Sscanf(value, "%d", &intVal)
		return intVal
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt64List(key string) []int64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(value, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
