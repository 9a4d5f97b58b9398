// Package integration runs the full courier stack over real sockets and a
// temp-dir SQLite database.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/app"
	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/logging"
	"courier/pkg/client"
	"courier/pkg/types"
)

const testSecret = "integration-secret"

type node struct {
	app  *app.Application
	cfg  *config.Config
	auth *auth.JWTAuthenticator
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.Issuer = "courier-test"
	cfg.Database.DatabasePath = dbPath
	cfg.Presence.OfflineGrace = 0
	return cfg
}

// startNode boots an application and stops it when the test ends.
func startNode(t *testing.T, cfg *config.Config, opts ...app.Option) *node {
	t.Helper()
	a, err := app.NewApplication(cfg, logging.Discard(), opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return &node{
		app:  a,
		cfg:  cfg,
		auth: auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.CookieName),
	}
}

func startSingleNode(t *testing.T, mutate func(*config.Config)) *node {
	t.Helper()
	cfg := newConfig(t, filepath.Join(t.TempDir(), "courier.db"))
	if mutate != nil {
		mutate(cfg)
	}
	return startNode(t, cfg)
}

func (n *node) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := n.auth.Sign(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (n *node) connect(t *testing.T, userID string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, "ws://"+n.app.GetAddr()+"/ws", client.Options{
		Token:  n.token(t, userID),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// api calls the HTTP surface as userID and decodes the response into out.
func (n *node) api(t *testing.T, userID, method, path string, body, out any) int {
	t.Helper()
	return n.call(t, n.token(t, userID), method, path, body, out)
}

// serviceAPI calls the HTTP surface with a backend token.
func (n *node) serviceAPI(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	token, err := n.auth.SignService("backend", time.Hour)
	require.NoError(t, err)
	return n.call(t, token, method, path, body, out)
}

func (n *node) call(t *testing.T, token, method, path string, body, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://"+n.app.GetAddr()+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (n *node) createThread(t *testing.T, creator string, others ...string) string {
	t.Helper()
	var thread types.Thread
	code := n.api(t, creator, http.MethodPost, "/api/threads",
		map[string]any{"subject": "integration", "participantIds": others}, &thread)
	require.Equal(t, http.StatusCreated, code)
	return thread.ID
}

// recorder drains a client's events so tests can count them afterwards.
type recorder struct {
	mu     sync.Mutex
	events []types.Envelope
}

func record(c *client.Client) *recorder {
	r := &recorder{}
	go func() {
		for env := range c.Events() {
			r.mu.Lock()
			r.events = append(r.events, env)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) named(event string) []types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Envelope
	for _, env := range r.events {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, event string, n int) []types.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.named(event)) >= n }, 5*time.Second, 5*time.Millisecond,
		"waiting for %d %s", n, event)
	return r.named(event)
}

// settle gives in-flight frames time to arrive before counting.
func settle() { time.Sleep(100 * time.Millisecond) }

func decode[T any](t *testing.T, env types.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}
