package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	"courier/internal/fanout"
	"courier/internal/logging"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "courier.db")
	return cfg
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig() // no JWT secret
	_, err := NewApplication(cfg, logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingJWTSecret)
}

func TestApplication_StartServeStop(t *testing.T) {
	app, err := NewApplication(testConfig(t), logging.Discard())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	resp, err := http.Get("http://" + app.GetAddr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
		Fanout string `json:"fanout"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, fanout.ModeLocal, health.Fanout)

	assert.Error(t, app.Start(context.Background()), "second start")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))

	_, err = http.Get("http://" + app.GetAddr() + "/health")
	assert.Error(t, err, "server still accepting after stop")
}

func TestApplication_DegradesWithoutNATS(t *testing.T) {
	tests := map[string]func(*config.Config){
		"no url": func(c *config.Config) {
			c.Fanout.Mode = config.FanoutNATS
			c.Presence.Store = config.PresenceStoreNATS
		},
		"unreachable": func(c *config.Config) {
			c.Fanout.Mode = config.FanoutNATS
			c.Fanout.NATSURL = "nats://127.0.0.1:1"
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(cfg)

			app, err := NewApplication(cfg, logging.Discard())
			require.NoError(t, err)
			t.Cleanup(func() { _ = app.Stop(context.Background()) })

			assert.Equal(t, fanout.ModeLocal, app.FanoutMode())
		})
	}
}

func TestApplication_NodeID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fanout.NodeID = "node-a"

	app, err := NewApplication(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop(context.Background()) })
	assert.Equal(t, "node-a", app.NodeID())

	other, err := NewApplication(testConfig(t), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Stop(context.Background()) })
	assert.NotEmpty(t, other.NodeID())
	assert.NotEqual(t, "node-a", other.NodeID())
}

func TestApplication_StartFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t)
	cfg.HTTP.Port = l.Addr().(*net.TCPAddr).Port

	app, err := NewApplication(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop(context.Background()) })

	assert.Error(t, app.Start(context.Background()))
}
