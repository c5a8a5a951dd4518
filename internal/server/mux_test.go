package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mcp"))
	})
}

func TestMux_MCPRequiresToken(t *testing.T) {
	mux := NewMux(MuxConfig{MCPHandler: okHandler(), Token: "s3cret", Logger: quietLogger})

	req := httptest.NewRequest("POST", "/mcp", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mcp", rec.Body.String())
}

func TestMux_MetricsServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetQueueDepth(2, 1)

	mux := NewMux(MuxConfig{
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         quietLogger,
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chatsync_queue_depth{kind="message"} 2`)
	assert.Contains(t, rec.Body.String(), `chatsync_queue_depth{kind="action"} 1`)
}

func TestMux_Health(t *testing.T) {
	mux := NewMux(MuxConfig{
		Health: func() (status.Snapshot, error) {
			return status.Snapshot{
				Online:         false,
				Connection:     realtime.StatusDisconnected,
				QueuedMessages: 3,
				Description:    "Offline - 3 messages waiting",
			}, nil
		},
		Logger: quietLogger,
	})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap status.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, 3, snap.QueuedMessages)
	assert.True(t, strings.HasPrefix(snap.Description, "Offline"))
}

func TestMux_HealthStoreError(t *testing.T) {
	mux := NewMux(MuxConfig{
		Health: func() (status.Snapshot, error) {
			return status.Snapshot{}, errors.New("local store is closed")
		},
		Logger: quietLogger,
	})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMux_UnconfiguredRoutes(t *testing.T) {
	mux := NewMux(MuxConfig{Logger: quietLogger})

	for _, path := range []string{"/mcp", "/metrics", "/healthz"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}
