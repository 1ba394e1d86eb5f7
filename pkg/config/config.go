package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Rollout phases recognised by the owner-alert channel gate.
const (
	PhasePhase1 = "phase1"
	PhasePhase2 = "phase2"
	PhaseGA     = "ga"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Logging  LoggingConfig  `json:"logging"`
	Tracing  TracingConfig  `json:"tracing"`
	Metrics  MetricsConfig  `json:"metrics"`
	Recovery RecoveryConfig `json:"recovery"`
	Queue    QueueConfig    `json:"queue"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
}

// RecoveryConfig drives the recovery sweep timer and the continuity threshold.
type RecoveryConfig struct {
	LoopEnabled bool          `json:"loop_enabled"`
	Interval    time.Duration `json:"interval"`
	// HeartbeatEvery is the expected agent heartbeat cadence, e.g. "20m".
	HeartbeatEvery string `json:"heartbeat_every"`
}

// QueueConfig contains the generic job queue settings used by the worker loop
type QueueConfig struct {
	Name             string        `json:"name"`
	DispatchThrottle time.Duration `json:"dispatch_throttle"`
	MaxRetries       int           `json:"max_retries"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay"`
	BlockTimeout     time.Duration `json:"block_timeout"`
}

// ChannelsConfig contains owner alert channel settings
type ChannelsConfig struct {
	RolloutPhase       string        `json:"rollout_phase"`
	TelegramBotToken   string        `json:"-"`
	TelegramChatID     string        `json:"telegram_chat_id"`
	TelegramAPIURL     string        `json:"telegram_api_url"`
	WhatsAppWebhookURL string        `json:"whatsapp_webhook_url"`
	WhatsAppSecret     string        `json:"-"`
	WhatsAppRecipient  string        `json:"whatsapp_recipient"`
	UIAlertListSize    int           `json:"ui_alert_list_size"`
	SendTimeout        time.Duration `json:"send_timeout"`
}

// GatewayConfig contains runtime gateway client settings
type GatewayConfig struct {
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:  getEnvList("SERVER_CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "mission_control"),
			User:            getEnvString("DB_USER", "mission_control"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "mission_control"),
			Path:      getEnvString("METRICS_PATH", "/metrics"),
		},
		Recovery: RecoveryConfig{
			LoopEnabled:    getEnvBool("RECOVERY_LOOP_ENABLED", true),
			Interval:       getEnvDuration("RECOVERY_LOOP_INTERVAL", 180*time.Second),
			HeartbeatEvery: getEnvString("RECOVERY_HEARTBEAT_EVERY", "20m"),
		},
		Queue: QueueConfig{
			Name:             getEnvString("QUEUE_NAME", "default"),
			DispatchThrottle: getEnvDuration("QUEUE_DISPATCH_THROTTLE", 15*time.Second),
			MaxRetries:       getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBaseDelay:   getEnvDuration("QUEUE_RETRY_BASE", 10*time.Second),
			RetryMaxDelay:    getEnvDuration("QUEUE_RETRY_MAX", 120*time.Second),
			BlockTimeout:     getEnvDuration("QUEUE_BLOCK_TIMEOUT", time.Second),
		},
		Channels: ChannelsConfig{
			RolloutPhase:       strings.ToLower(strings.TrimSpace(getEnvString("CHANNEL_ROLLOUT_PHASE", PhasePhase1))),
			TelegramBotToken:   getEnvString("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:     getEnvString("TELEGRAM_CHAT_ID", ""),
			TelegramAPIURL:     getEnvString("TELEGRAM_API_URL", "https://api.telegram.org"),
			WhatsAppWebhookURL: getEnvString("WHATSAPP_WEBHOOK_URL", ""),
			WhatsAppSecret:     getEnvString("WHATSAPP_WEBHOOK_SECRET", ""),
			WhatsAppRecipient:  getEnvString("WHATSAPP_RECIPIENT", ""),
			UIAlertListSize:    getEnvInt("UI_ALERT_LIST_SIZE", 200),
			SendTimeout:        getEnvDuration("CHANNEL_SEND_TIMEOUT", 10*time.Second),
		},
		Gateway: GatewayConfig{
			Timeout:     getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
			MaxAttempts: getEnvInt("GATEWAY_MAX_ATTEMPTS", 2),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Recovery.Interval <= 0 {
		return fmt.Errorf("recovery loop interval must be positive")
	}

	if c.Queue.Name == "" {
		return fmt.Errorf("queue name is required")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max retries must not be negative")
	}

	if c.Queue.RetryBaseDelay <= 0 || c.Queue.RetryMaxDelay <= 0 {
		return fmt.Errorf("queue retry delays must be positive")
	}

	switch c.Channels.RolloutPhase {
	case PhasePhase1, PhasePhase2, PhaseGA:
	default:
		return fmt.Errorf("unknown channel rollout phase %q", c.Channels.RolloutPhase)
	}

	return nil
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") and bare integers as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
