// ABOUTME: Tests for the gateway orchestrator
// ABOUTME: Covers wiring, health endpoints, run/shutdown, and route registration

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "gateway.db")},
		Telegram: config.TelegramConfig{Enabled: false},
		Uploads:  config.UploadsConfig{Dir: filepath.Join(dir, "uploads")},
		Delivery: config.DeliveryConfig{Timeout: time.Second},
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(testConfig(t), nil)
	require.NoError(t, err)
	return g
}

func TestNew_WiresComponents(t *testing.T) {
	g := newTestGateway(t)
	defer g.store.Close()

	assert.NotNil(t, g.Lifecycle())
	assert.NotNil(t, g.console)
	assert.Nil(t, g.bridge, "bridge should be absent when telegram is disabled")
}

func TestHealthEndpoints(t *testing.T) {
	g := newTestGateway(t)
	defer g.store.Close()

	server := httptest.NewServer(g.httpServer.Handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady_FailsAfterStoreClose(t *testing.T) {
	g := newTestGateway(t)

	server := httptest.NewServer(g.httpServer.Handler)
	defer server.Close()

	require.NoError(t, g.store.Close())

	resp, err := http.Get(server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConsoleRoutesRegistered(t *testing.T) {
	g := newTestGateway(t)
	defer g.store.Close()

	server := httptest.NewServer(g.httpServer.Handler)
	defer server.Close()

	// Seed a conversation through the lifecycle layer; the console API
	// should see it.
	res, err := g.Lifecycle().HandleInbound(context.Background(), "chat-1", "hello", "")
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/api/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var convs []struct {
		ID        int64  `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convs))
	require.Len(t, convs, 1)
	assert.Equal(t, res.Conversation.ID, convs[0].ID)
	assert.Equal(t, "chat-1", convs[0].ChannelID)
}

func TestUploadsRouteRegistered(t *testing.T) {
	g := newTestGateway(t)
	defer g.store.Close()

	server := httptest.NewServer(g.httpServer.Handler)
	defer server.Close()

	// Unknown upload is a 404 from the file server, not a routing miss.
	resp, err := http.Get(server.URL + "/uploads/missing.jpg")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRun_GracefulShutdown(t *testing.T) {
	g := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	// Give the server a moment to start listening.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestNew_BadUploadsDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Uploads.Dir = ""

	_, err := New(cfg, nil)
	assert.Error(t, err)
}
