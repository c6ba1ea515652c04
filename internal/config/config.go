// Package config provides environment-based configuration management.
// All config comes from environment variables; a .env file is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DBConfig holds database connection parameters
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// RedisConfig holds Redis connection parameters
type RedisConfig struct {
	Addr     string // Format: host:port
	Password string
	DB       int
}

// QueueConfig selects and tunes the durable job queue
type QueueConfig struct {
	Backend      string // "redis" | "amqp"
	Name         string
	AMQPURL      string
	Workers      int
	LeaseTTL     time.Duration
	PollInterval time.Duration
	Prefetch     int
}

// DeliveryConfig holds retry policy of the delivery coordinator
type DeliveryConfig struct {
	MaxAttempts          int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	DefaultRateLimitWait time.Duration
	ClaimStaleAfter      time.Duration
}

// PresenceConfig holds the human-behaviour timings
type PresenceConfig struct {
	Debounce            time.Duration
	PreOnlineMin        time.Duration
	PreOnlineMax        time.Duration
	TypingLead          time.Duration
	SettleMax           time.Duration
	TypingCharsPerSec   float64
	TypingMin           time.Duration
	TypingMax           time.Duration
	OfflineMin          time.Duration
	OfflineMax          time.Duration
	EvictIdle           time.Duration
	RemoteTypingMaxWait time.Duration
	RemoteTypingPoll    time.Duration
	GenerateTimeout     time.Duration
	MaxFragmentLen      int
}

// IdentityConfig holds the daily counter boundary
type IdentityConfig struct {
	ResetHour int
	Location  *time.Location
}

// FacebookConfig holds Facebook webhook and Send API configuration
type FacebookConfig struct {
	AppSecret   string // For HMAC SHA256 signature validation
	VerifyToken string // For webhook verification handshake
	APIVersion  string
	CampaignID  string // campaign that answers inbound Messenger conversations
}

// DiscordConfig holds the bot tokens of Discord identities
type DiscordConfig struct {
	Tokens     []string
	CampaignID string
}

// GeneratorConfig holds response generator settings
type GeneratorConfig struct {
	APIKey       string
	Model        string
	MaxTokens    int
	SystemPrompt string
	HistoryTurns int
}

// WatchdogConfig holds housekeeping settings
type WatchdogConfig struct {
	Interval      time.Duration
	DiskPath      string
	DiskThreshold float64
	Retention     time.Duration
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Port      int
	HubSecret string // websocket event stream key
	LogLevel  string
	LogFormat string // "json" | "text"
}

// Config aggregates all configuration sections
type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Delivery  DeliveryConfig
	Presence  PresenceConfig
	Identity  IdentityConfig
	Facebook  FacebookConfig
	Discord   DiscordConfig
	Generator GeneratorConfig
	Watchdog  WatchdogConfig
	App       AppConfig
}

// LoadConfig loads .env (if any) and reads configuration from the environment.
// Returns error if critical variables are missing or inconsistent.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Database Configuration
	cfg.DB.Host = getEnv("DB_HOST", "outreach_db")
	cfg.DB.Port = getEnvAsInt("DB_PORT", 3306)
	cfg.DB.User = getEnv("DB_USER", "root")
	cfg.DB.Password = getEnv("DB_PASS", "")
	cfg.DB.Database = getEnv("DB_NAME", "immortal_outreach")

	// Redis Configuration
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "outreach_redis:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", 0)

	// Queue Configuration
	cfg.Queue.Backend = strings.ToLower(getEnv("QUEUE_BACKEND", "redis"))
	cfg.Queue.Name = getEnv("QUEUE_NAME", "outbound")
	cfg.Queue.AMQPURL = getEnv("AMQP_URL", "")
	cfg.Queue.Workers = getEnvAsInt("QUEUE_WORKERS", 4)
	cfg.Queue.LeaseTTL = getEnvAsDuration("QUEUE_LEASE_TTL", 5*time.Minute)
	cfg.Queue.PollInterval = getEnvAsDuration("QUEUE_POLL_INTERVAL", 2*time.Second)
	cfg.Queue.Prefetch = getEnvAsInt("QUEUE_PREFETCH", 8)

	// Delivery Configuration
	cfg.Delivery.MaxAttempts = getEnvAsInt("DELIVERY_MAX_ATTEMPTS", 5)
	cfg.Delivery.BaseBackoff = getEnvAsDuration("DELIVERY_BASE_BACKOFF", 2*time.Second)
	cfg.Delivery.MaxBackoff = getEnvAsDuration("DELIVERY_MAX_BACKOFF", 5*time.Minute)
	cfg.Delivery.DefaultRateLimitWait = getEnvAsDuration("DELIVERY_RATE_LIMIT_WAIT", 30*time.Second)
	cfg.Delivery.ClaimStaleAfter = getEnvAsDuration("DELIVERY_CLAIM_STALE_AFTER", 2*time.Minute)

	// Presence Configuration
	cfg.Presence.Debounce = getEnvAsDuration("PRESENCE_DEBOUNCE", 1500*time.Millisecond)
	cfg.Presence.PreOnlineMin = getEnvAsDuration("PRESENCE_PRE_ONLINE_MIN", 2*time.Second)
	cfg.Presence.PreOnlineMax = getEnvAsDuration("PRESENCE_PRE_ONLINE_MAX", 6*time.Second)
	cfg.Presence.TypingLead = getEnvAsDuration("PRESENCE_TYPING_LEAD", time.Second)
	cfg.Presence.SettleMax = getEnvAsDuration("PRESENCE_SETTLE_MAX", 15*time.Second)
	cfg.Presence.TypingCharsPerSec = getEnvAsFloat("PRESENCE_TYPING_CHARS_PER_SEC", 12)
	cfg.Presence.TypingMin = getEnvAsDuration("PRESENCE_TYPING_MIN", 800*time.Millisecond)
	cfg.Presence.TypingMax = getEnvAsDuration("PRESENCE_TYPING_MAX", 8*time.Second)
	cfg.Presence.OfflineMin = getEnvAsDuration("PRESENCE_OFFLINE_MIN", time.Minute)
	cfg.Presence.OfflineMax = getEnvAsDuration("PRESENCE_OFFLINE_MAX", 5*time.Minute)
	cfg.Presence.EvictIdle = getEnvAsDuration("PRESENCE_EVICT_IDLE", 30*time.Minute)
	cfg.Presence.RemoteTypingMaxWait = getEnvAsDuration("PRESENCE_REMOTE_TYPING_MAX_WAIT", 20*time.Second)
	cfg.Presence.RemoteTypingPoll = getEnvAsDuration("PRESENCE_REMOTE_TYPING_POLL", time.Second)
	cfg.Presence.GenerateTimeout = getEnvAsDuration("PRESENCE_GENERATE_TIMEOUT", 60*time.Second)
	cfg.Presence.MaxFragmentLen = getEnvAsInt("PRESENCE_MAX_FRAGMENT_LEN", 320)

	// Identity Configuration
	cfg.Identity.ResetHour = getEnvAsInt("IDENTITY_RESET_HOUR", 0)
	tz := getEnv("IDENTITY_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("IDENTITY_TIMEZONE %q: %w", tz, err)
	}
	cfg.Identity.Location = loc

	// Facebook Configuration
	cfg.Facebook.AppSecret = getEnv("FB_APP_SECRET", "")
	cfg.Facebook.VerifyToken = getEnv("FB_VERIFY_TOKEN", "")
	cfg.Facebook.APIVersion = getEnv("FB_API_VERSION", "v19.0")
	cfg.Facebook.CampaignID = getEnv("FB_CAMPAIGN_ID", "inbound")

	// Discord Configuration
	cfg.Discord.Tokens = getEnvAsList("DISCORD_BOT_TOKENS")
	cfg.Discord.CampaignID = getEnv("DISCORD_CAMPAIGN_ID", "inbound")

	// Generator Configuration
	cfg.Generator.APIKey = getEnv("ANTHROPIC_API_KEY", "")
	cfg.Generator.Model = getEnv("ANTHROPIC_MODEL", "")
	cfg.Generator.MaxTokens = getEnvAsInt("ANTHROPIC_MAX_TOKENS", 1024)
	cfg.Generator.SystemPrompt = getEnv("GENERATOR_SYSTEM_PROMPT", "")
	cfg.Generator.HistoryTurns = getEnvAsInt("GENERATOR_HISTORY_TURNS", 6)

	// Watchdog Configuration
	cfg.Watchdog.Interval = getEnvAsDuration("WATCHDOG_INTERVAL", 10*time.Minute)
	cfg.Watchdog.DiskPath = getEnv("WATCHDOG_DISK_PATH", "/")
	cfg.Watchdog.DiskThreshold = getEnvAsFloat("WATCHDOG_DISK_THRESHOLD", 70)
	cfg.Watchdog.Retention = getEnvAsDuration("WATCHDOG_RETENTION", 7*24*time.Hour)

	// Application Configuration
	cfg.App.Port = getEnvAsInt("APP_PORT", 8080)
	cfg.App.HubSecret = getEnv("MESH_SECRET", "")
	cfg.App.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	cfg.App.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "json"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing secret and inconsistent setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.DB.Password == "" {
		errs = append(errs, errors.New("DB_PASS environment variable is required"))
	}
	if c.Facebook.AppSecret == "" {
		errs = append(errs, errors.New("FB_APP_SECRET environment variable is required"))
	}
	if c.Facebook.VerifyToken == "" {
		errs = append(errs, errors.New("FB_VERIFY_TOKEN environment variable is required"))
	}
	if c.Generator.APIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY environment variable is required"))
	}

	switch c.Queue.Backend {
	case "redis":
	case "amqp":
		if c.Queue.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required when QUEUE_BACKEND=amqp"))
		}
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND must be redis or amqp, got %q", c.Queue.Backend))
	}

	if c.Identity.ResetHour < 0 || c.Identity.ResetHour > 23 {
		errs = append(errs, fmt.Errorf("IDENTITY_RESET_HOUR must be 0-23, got %d", c.Identity.ResetHour))
	}
	if c.Presence.PreOnlineMin > c.Presence.PreOnlineMax {
		errs = append(errs, errors.New("PRESENCE_PRE_ONLINE_MIN must not exceed PRESENCE_PRE_ONLINE_MAX"))
	}
	if c.Presence.OfflineMin > c.Presence.OfflineMax {
		errs = append(errs, errors.New("PRESENCE_OFFLINE_MIN must not exceed PRESENCE_OFFLINE_MAX"))
	}
	if c.Presence.TypingMin > c.Presence.TypingMax {
		errs = append(errs, errors.New("PRESENCE_TYPING_MIN must not exceed PRESENCE_TYPING_MAX"))
	}
	if c.Presence.RemoteTypingPoll <= 0 {
		errs = append(errs, errors.New("PRESENCE_REMOTE_TYPING_POLL must be positive"))
	}
	if c.Presence.GenerateTimeout <= 0 {
		errs = append(errs, errors.New("PRESENCE_GENERATE_TIMEOUT must be positive"))
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("DELIVERY_MAX_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}

// GetDSN returns MariaDB connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// SlogLevel maps LOG_LEVEL onto a slog level (info when unknown)
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv reads environment variable with fallback default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads environment variable as integer with fallback default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s", "5m")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
