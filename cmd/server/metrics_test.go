package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matst80/httpbridge/internal/proto"
	"github.com/matst80/httpbridge/internal/state"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestAdminReadiness(t *testing.T) {
	store := state.NewMemory()
	h := adminHandler(store)

	code, body := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, _ = get(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)

	store.SetReady(true)
	code, body = get(t, h, "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", body)

	store.SetClosing(true)
	code, _ = get(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAdminStateAndDashboard(t *testing.T) {
	store := state.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Register(ctx, proto.Session{ID: "s1", Peer: "10.1.1.1:4000", Target: "127.0.0.1:22", Started: time.Now()}))
	store.RecordDialFailure(ctx)
	h := adminHandler(store)

	code, body := get(t, h, "/api/state")
	require.Equal(t, http.StatusOK, code)
	var snap proto.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	require.Equal(t, 1, snap.Active)
	require.Equal(t, int64(1), snap.DialFailures)
	require.Len(t, snap.Sessions, 1)
	require.Equal(t, "s1", snap.Sessions[0].ID)

	code, body = get(t, h, "/dashboard")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "10.1.1.1:4000")

	code, body = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "httpbridge_active_sessions")
}

func TestRenderPageFailureLeavesNoPartialPage(t *testing.T) {
	rec := httptest.NewRecorder()
	// A string where the template expects a byte count fails mid-page.
	renderPage(rec, "dashboard", map[string]any{"Active": 1, "BytesIn": "lots"})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "<h1>httpbridge</h1>")
	require.Contains(t, rec.Body.String(), "dashboard unavailable")
	require.NotEqual(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
}
