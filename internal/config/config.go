package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dbconfig "courier/pkg/database"
)

// Fan-out modes
const (
	FanoutLocal = "local"
	FanoutNATS  = "nats"
)

// Presence store kinds
const (
	PresenceStoreMemory = "memory"
	PresenceStoreNATS   = "nats"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig      `yaml:"http"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Auth      *AuthConfig      `yaml:"auth"`
	Presence  *PresenceConfig  `yaml:"presence"`
	Typing    *TypingConfig    `yaml:"typing"`
	Fanout    *FanoutConfig    `yaml:"fanout"`
	Database  *dbconfig.Config `yaml:"database"`
	Notify    *NotifyConfig    `yaml:"notify"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	Log       *LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AllowedOrigins restricts the WebSocket upgrade. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: PongWait must exceed PingInterval or healthy clients
// are dropped between pings
type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
	InboxSize    int           `yaml:"inbox_size"`
	MaxFrameSize int64         `yaml:"max_frame_size"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	Issuer     string `yaml:"issuer"`
	CookieName string `yaml:"cookie_name"`
}

type PresenceConfig struct {
	OfflineGrace time.Duration `yaml:"offline_grace"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	Store        string        `yaml:"store"`
	Bucket       string        `yaml:"bucket"`
}

type TypingConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type FanoutConfig struct {
	Mode    string `yaml:"mode"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
	// NodeID identifies this process on the bus. Empty means a random UUID.
	NodeID string `yaml:"node_id"`
}

type NotifyConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	WebhookURL    string        `yaml:"webhook_url"`
	Timeout       time.Duration `yaml:"timeout"`
	PreviewLength int           `yaml:"preview_length"`
}

type RateLimitConfig struct {
	MessagesPerMinute int `yaml:"messages_per_minute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; every optional backing
// service is off so a bare binary runs single-node with SQLite
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   256,
			InboxSize:    64,
			MaxFrameSize: 128 * 1024,
		},
		Auth: &AuthConfig{
			CookieName: "session-token",
		},
		Presence: &PresenceConfig{
			OfflineGrace: 2 * time.Second,
			StaleAfter:   2 * time.Minute,
			Store:        PresenceStoreMemory,
			Bucket:       "courier_presence",
		},
		Typing: &TypingConfig{
			Timeout: 5 * time.Second,
		},
		Fanout: &FanoutConfig{
			Mode:    FanoutLocal,
			Subject: "courier.fanout",
		},
		Database: dbconfig.DefaultConfig(),
		Notify: &NotifyConfig{
			Workers:       4,
			QueueSize:     1000,
			Timeout:       10 * time.Second,
			PreviewLength: 100,
		},
		RateLimit: &RateLimitConfig{
			MessagesPerMinute: 100,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Auth == nil || c.Presence == nil ||
		c.Typing == nil || c.Fanout == nil || c.Database == nil || c.Notify == nil ||
		c.RateLimit == nil || c.Log == nil {
		return ErrMissingSection
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket pong wait must exceed ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 || c.WebSocket.InboxSize <= 0 {
		return fmt.Errorf("WebSocket buffer and inbox sizes must be positive")
	}
	if c.WebSocket.MaxFrameSize <= 0 {
		return fmt.Errorf("WebSocket max frame size must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("auth cookie name cannot be empty")
	}

	if c.Presence.OfflineGrace < 0 || c.Presence.StaleAfter < 0 {
		return fmt.Errorf("presence durations cannot be negative")
	}
	if c.Presence.Store != PresenceStoreMemory && c.Presence.Store != PresenceStoreNATS {
		return fmt.Errorf("presence store must be %q or %q", PresenceStoreMemory, PresenceStoreNATS)
	}

	if c.Typing.Timeout <= 0 {
		return fmt.Errorf("typing timeout must be positive")
	}

	// A nats mode without URL is not fatal: the application warns and
	// degrades to local delivery.
	if c.Fanout.Mode != FanoutLocal && c.Fanout.Mode != FanoutNATS {
		return fmt.Errorf("fanout mode must be %q or %q", FanoutLocal, FanoutNATS)
	}
	if c.Fanout.Subject == "" {
		return fmt.Errorf("fanout subject cannot be empty")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify workers and queue size must be positive")
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify timeout must be positive")
	}
	if c.Notify.PreviewLength <= 0 {
		return fmt.Errorf("notify preview length must be positive")
	}

	if c.RateLimit.MessagesPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json")
	}

	return nil
}

// envPrefix prefixes every environment override: COURIER_<SECTION>_<KEY>.
const envPrefix = "COURIER_"

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Unparseable values are ignored and the previous value is kept
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	if v := os.Getenv(envPrefix + "HTTP_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_PONG_WAIT", &c.WebSocket.PongWait)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	envInt("WEBSOCKET_INBOX_SIZE", &c.WebSocket.InboxSize)

	envString("AUTH_JWT_SECRET", &c.Auth.JWTSecret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)
	envString("AUTH_COOKIE_NAME", &c.Auth.CookieName)

	envDuration("PRESENCE_OFFLINE_GRACE", &c.Presence.OfflineGrace)
	envDuration("PRESENCE_STALE_AFTER", &c.Presence.StaleAfter)
	envString("PRESENCE_STORE", &c.Presence.Store)
	envString("PRESENCE_BUCKET", &c.Presence.Bucket)

	envDuration("TYPING_TIMEOUT", &c.Typing.Timeout)

	envString("FANOUT_MODE", &c.Fanout.Mode)
	envString("FANOUT_NATS_URL", &c.Fanout.NATSURL)
	envString("FANOUT_SUBJECT", &c.Fanout.Subject)
	envString("FANOUT_NODE_ID", &c.Fanout.NodeID)

	envString("DATABASE_PATH", &c.Database.DatabasePath)
	envInt("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	envDuration("DATABASE_WRITE_TIMEOUT", &c.Database.WriteTimeout)

	envInt("NOTIFY_WORKERS", &c.Notify.Workers)
	envInt("NOTIFY_QUEUE_SIZE", &c.Notify.QueueSize)
	envString("NOTIFY_WEBHOOK_URL", &c.Notify.WebhookURL)
	envDuration("NOTIFY_TIMEOUT", &c.Notify.Timeout)
	envInt("NOTIFY_PREVIEW_LENGTH", &c.Notify.PreviewLength)

	envInt("RATE_LIMIT_MESSAGES_PER_MINUTE", &c.RateLimit.MessagesPerMinute)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile reads a YAML file over the defaults and validates the result.
// FUNCTIONAL DISCOVERY: yaml.v3 decodes duration strings ("30s") directly
// into time.Duration fields, so the file needs no shadow structs
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := overlayFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func overlayFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence layers defaults, then COURIER_* environment, then
// the YAML file at path (if any), and validates the result.
// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()
	applyEnv(config)

	if path != "" {
		if err := overlayFile(config, path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
