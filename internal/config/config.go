// Package config loads runtime configuration for the matchcore processes
// from defaults, an optional config file, flags and MATCHCORE_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MATCHCORE"

// AppConfig captures runtime configuration for the server and the notifier.
type AppConfig struct {
	ServerName string `validate:"required"`
	LogLevel   string `validate:"omitempty,oneof=debug info warn warning error"`

	HTTPAddress string `validate:"required"`

	WS       WSConfig
	Presence PresenceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Kafka    KafkaConfig
	Auth     AuthConfig
	Limits   LimitsConfig
	Notify   NotifyConfig
}

// WSConfig tunes the websocket transport.
type WSConfig struct {
	WorkerPoolSize int           `validate:"min=1"`
	MaxConnections int           `validate:"min=1"`
	ReadTimeout    time.Duration `validate:"gt=0"`
	WriteTimeout   time.Duration `validate:"gt=0"`
	OutboundQueue  int           `validate:"min=1"`
	AuthTimeout    time.Duration `validate:"gt=0"`
	MaxFrameSize   int64         `validate:"min=1024"`
}

// PresenceConfig tunes liveness and typing indicators.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `validate:"gt=0"`
	IdleTimeout       time.Duration `validate:"gtfield=HeartbeatInterval"`
	TypingInterval    time.Duration `validate:"gt=0"`
	TypingExpiry      time.Duration `validate:"gt=0"`
}

// DatabaseConfig selects the SQL dialect and connection string.
type DatabaseConfig struct {
	Driver      string `validate:"oneof=sqlite postgres mysql"`
	DSN         string `validate:"required"`
	AutoMigrate bool
}

// RedisConfig points at the Redis used for limits, blocks and presence.
type RedisConfig struct {
	Addr string `validate:"required"`
}

// NATSConfig enables cross-process fan-out when URL is set.
type NATSConfig struct {
	URL string
}

// KafkaConfig is used by the notifier to hand payloads to the push pipeline.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// AuthConfig validates session tokens issued by the auth service.
type AuthConfig struct {
	SigningSecret string `validate:"required"`
	Issuer        string `validate:"required"`
	CookieName    string `validate:"required"`
}

// LimitsConfig holds per-user quotas.
type LimitsConfig struct {
	MessagesPerMinute int `validate:"min=1"`
	SuperlikesPerDay  int `validate:"min=0"`
}

// NotifyConfig selects where offline notifications go.
type NotifyConfig struct {
	Sink string `validate:"oneof=nats log"`
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "matchcore-1"
	}

	v.SetDefault("server.name", hostname)
	v.SetDefault("log.level", "info")
	v.SetDefault("http.address", ":8080")

	v.SetDefault("ws.worker_pool_size", 256)
	v.SetDefault("ws.max_connections", 100000)
	v.SetDefault("ws.read_timeout", 10*time.Second)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.outbound_queue", 64)
	v.SetDefault("ws.auth_timeout", 5*time.Second)
	v.SetDefault("ws.max_frame_size", 32<<10)

	v.SetDefault("presence.heartbeat_interval", 20*time.Second)
	v.SetDefault("presence.idle_timeout", 60*time.Second)
	v.SetDefault("presence.typing_interval", 2*time.Second)
	v.SetDefault("presence.typing_expiry", 5*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "matchcore.db")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("nats.url", "")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "matchcore.notifications")

	v.SetDefault("auth.issuer", "matchcore-auth")
	v.SetDefault("auth.cookie_name", "app_session")

	v.SetDefault("limits.messages_per_minute", 30)
	v.SetDefault("limits.superlikes_per_day", 3)

	v.SetDefault("notify.sink", "log")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Load parses runtime configuration from viper and validates it.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerName:  v.GetString("server.name"),
		LogLevel:    v.GetString("log.level"),
		HTTPAddress: v.GetString("http.address"),
		WS: WSConfig{
			WorkerPoolSize: v.GetInt("ws.worker_pool_size"),
			MaxConnections: v.GetInt("ws.max_connections"),
			ReadTimeout:    v.GetDuration("ws.read_timeout"),
			WriteTimeout:   v.GetDuration("ws.write_timeout"),
			OutboundQueue:  v.GetInt("ws.outbound_queue"),
			AuthTimeout:    v.GetDuration("ws.auth_timeout"),
			MaxFrameSize:   v.GetInt64("ws.max_frame_size"),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: v.GetDuration("presence.heartbeat_interval"),
			IdleTimeout:       v.GetDuration("presence.idle_timeout"),
			TypingInterval:    v.GetDuration("presence.typing_interval"),
			TypingExpiry:      v.GetDuration("presence.typing_expiry"),
		},
		Database: DatabaseConfig{
			Driver:      strings.ToLower(v.GetString("database.driver")),
			DSN:         v.GetString("database.dsn"),
			AutoMigrate: v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{Addr: v.GetString("redis.addr")},
		NATS:  NATSConfig{URL: v.GetString("nats.url")},
		Kafka: KafkaConfig{
			Brokers: v.GetStringSlice("kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
		Auth: AuthConfig{
			SigningSecret: v.GetString("auth.signing_secret"),
			Issuer:        v.GetString("auth.issuer"),
			CookieName:    v.GetString("auth.cookie_name"),
		},
		Limits: LimitsConfig{
			MessagesPerMinute: v.GetInt("limits.messages_per_minute"),
			SuperlikesPerDay:  v.GetInt("limits.superlikes_per_day"),
		},
		Notify: NotifyConfig{Sink: strings.ToLower(v.GetString("notify.sink"))},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Notify.Sink == "nats" && strings.TrimSpace(c.NATS.URL) == "" {
		return fmt.Errorf("config: notify.sink=nats requires nats.url")
	}
	return nil
}
