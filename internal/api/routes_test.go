package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tasbih-sync-service/internal/backend"
	"tasbih-sync-service/internal/config"
	"tasbih-sync-service/internal/queue"
	"tasbih-sync-service/internal/session"
	syncer "tasbih-sync-service/internal/sync"
)

type okAuthority struct{}

func (okAuthority) Submit(_ context.Context, ev queue.Event) (*backend.Ack, error) {
	return &backend.Ack{CounterValue: 1}, nil
}

func newTestServer(t *testing.T, serverCfg config.ServerConfig) *httptest.Server {
	t.Helper()

	store, err := queue.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	watched := queue.Watch(store)
	tracker := session.NewTracker(watched)
	rec := syncer.NewReconciler(watched, okAuthority{}, tracker, syncer.Backoff{Min: time.Millisecond, Max: time.Millisecond})

	handler := NewHandler(tracker, rec, watched, serverCfg)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestSessionAndTapFlow(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, srv.URL+"/api/v1/sessions", map[string]string{
		"goal_id":        "g1",
		"prayer_segment": "fajr",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var started struct {
		SessionID string `json:"session_id"`
		Queued    bool   `json:"queued"`
	}
	decodeBody(t, resp, &started)
	require.NotEmpty(t, started.SessionID)
	require.True(t, started.Queued)

	resp = postJSON(t, srv.URL+"/api/v1/sessions/"+started.SessionID+"/taps", map[string]any{
		"delta":      1,
		"event_type": "tap",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tapped struct {
		Token  string `json:"token"`
		Value  int64  `json:"value"`
		Queued bool   `json:"queued"`
	}
	decodeBody(t, resp, &tapped)
	require.NotEmpty(t, tapped.Token)
	require.Equal(t, int64(1), tapped.Value)
	require.True(t, tapped.Queued)

	resp = postJSON(t, srv.URL+"/api/v1/sessions/"+started.SessionID+"/end", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// sessionStart + tap + sessionEnd all pending until a flush runs.
	resp, err := http.Get(srv.URL + "/api/v1/sync/status")
	require.NoError(t, err)
	var status struct {
		Pending int `json:"pending"`
	}
	decodeBody(t, resp, &status)
	require.Equal(t, 3, status.Pending)
}

func TestRecordTapRejectsUnknownEventType(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, srv.URL+"/api/v1/sessions/s1/taps", map[string]any{
		"delta":      1,
		"event_type": "megatap",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecentEventsEndpoint(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, srv.URL+"/api/v1/goals/g1/learned", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events/recent?limit=10")
	require.NoError(t, err)
	var events []struct {
		Token  string     `json:"token"`
		Kind   queue.Kind `json:"kind"`
		Synced bool       `json:"synced"`
	}
	decodeBody(t, resp, &events)
	require.Len(t, events, 1)
	require.Equal(t, queue.KindLearnMark, events[0].Kind)
	require.False(t, events[0].Synced)

	resp, err = http.Get(srv.URL + "/api/v1/events/recent?limit=0")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFlushEndpointAccepted(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, srv.URL+"/api/v1/sync/flush", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{AuthToken: "hush"})

	// Health stays open.
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/sync/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/sync/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer hush")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
