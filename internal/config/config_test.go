package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.Auth.JWTSecret = "test-secret"
	return c
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// FUNCTIONAL VALIDATION TEST: Default configuration provides production-ready settings
func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.Equal(t, 8080, config.HTTP.Port)
	assert.Equal(t, "0.0.0.0:8080", config.HTTP.Addr())
	assert.Equal(t, 2*time.Second, config.Presence.OfflineGrace)
	assert.Equal(t, 5*time.Second, config.Typing.Timeout)
	assert.Equal(t, FanoutLocal, config.Fanout.Mode)
	assert.Equal(t, PresenceStoreMemory, config.Presence.Store)
	assert.Equal(t, 100, config.RateLimit.MessagesPerMinute)
	assert.Equal(t, "session-token", config.Auth.CookieName)

	assert.ErrorIs(t, config.Validate(), ErrMissingJWTSecret, "defaults carry no secret")
	assert.NoError(t, validConfig().Validate())
}

// FUNCTIONAL VALIDATION TEST: Configuration validation prevents invalid settings
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid port", func(c *Config) { c.HTTP.Port = -1 }},
		{"port too large", func(c *Config) { c.HTTP.Port = 70000 }},
		{"pong wait below ping", func(c *Config) { c.WebSocket.PongWait = c.WebSocket.PingInterval }},
		{"zero inbox", func(c *Config) { c.WebSocket.InboxSize = 0 }},
		{"empty cookie", func(c *Config) { c.Auth.CookieName = "" }},
		{"negative grace", func(c *Config) { c.Presence.OfflineGrace = -time.Second }},
		{"unknown presence store", func(c *Config) { c.Presence.Store = "redis" }},
		{"zero typing timeout", func(c *Config) { c.Typing.Timeout = 0 }},
		{"unknown fanout mode", func(c *Config) { c.Fanout.Mode = "kafka" }},
		{"empty database path", func(c *Config) { c.Database.DatabasePath = "" }},
		{"zero workers", func(c *Config) { c.Notify.Workers = 0 }},
		{"zero rate limit", func(c *Config) { c.RateLimit.MessagesPerMinute = 0 }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"missing section", func(c *Config) { c.Typing = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestConfig_NATSWithoutURLIsValid(t *testing.T) {
	config := validConfig()
	config.Fanout.Mode = FanoutNATS
	assert.NoError(t, config.Validate(), "missing URL degrades at startup instead of failing")
}

// FUNCTIONAL VALIDATION TEST: Environment variable configuration loading
func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("COURIER_HTTP_PORT", "9090")
	t.Setenv("COURIER_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("COURIER_PRESENCE_OFFLINE_GRACE", "500ms")
	t.Setenv("COURIER_FANOUT_MODE", "nats")
	t.Setenv("COURIER_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("COURIER_NOTIFY_WORKERS", "not-a-number")

	config := LoadFromEnv()

	assert.Equal(t, 9090, config.HTTP.Port)
	assert.Equal(t, "/tmp/test.db", config.Database.DatabasePath)
	assert.Equal(t, 500*time.Millisecond, config.Presence.OfflineGrace)
	assert.Equal(t, FanoutNATS, config.Fanout.Mode)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.HTTP.AllowedOrigins)
	assert.Equal(t, 4, config.Notify.Workers, "unparseable values keep the default")
}

// TECHNICAL VALIDATION TEST: Configuration file parsing
func TestConfig_LoadFromFile(t *testing.T) {
	path := writeFile(t, `
http:
  port: 8081
  read_timeout: 10s
auth:
  jwt_secret: file-secret
presence:
  offline_grace: 1s
database:
  database_path: /tmp/testfile.db
log:
  format: json
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, config.HTTP.Port)
	assert.Equal(t, 10*time.Second, config.HTTP.ReadTimeout)
	assert.Equal(t, 30*time.Second, config.HTTP.WriteTimeout, "unset keys keep defaults")
	assert.Equal(t, "file-secret", config.Auth.JWTSecret)
	assert.Equal(t, time.Second, config.Presence.OfflineGrace)
	assert.Equal(t, "/tmp/testfile.db", config.Database.DatabasePath)
	assert.Equal(t, 10, config.Database.MaxConnections)
	assert.Equal(t, "json", config.Log.Format)
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "http: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse")

	_, err = LoadFromFile(writeFile(t, "auth:\n  jwt_secret: s\nhttp:\n  port: 0\n"))
	assert.ErrorContains(t, err, "invalid configuration")
}

// FUNCTIONAL VALIDATION TEST: Configuration precedence file > env > defaults
func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("COURIER_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("COURIER_HTTP_PORT", "9000")
	t.Setenv("COURIER_TYPING_TIMEOUT", "3s")

	path := writeFile(t, "http:\n  port: 9100\n")

	config, err := LoadConfigWithPrecedence(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, config.HTTP.Port, "file beats env")
	assert.Equal(t, 3*time.Second, config.Typing.Timeout, "env beats defaults")
	assert.Equal(t, "env-secret", config.Auth.JWTSecret)

	config, err = LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err, "a missing file falls back to env and defaults")
	assert.Equal(t, 9000, config.HTTP.Port)

	config, err = LoadConfigWithPrecedence("")
	require.NoError(t, err)
	assert.Equal(t, 9000, config.HTTP.Port)
}

func TestConfig_LoadConfigWithPrecedenceInvalid(t *testing.T) {
	_, err := LoadConfigWithPrecedence("")
	assert.ErrorIs(t, err, ErrMissingJWTSecret)
}
