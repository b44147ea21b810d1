package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/televisit/internal/adapters/signal"
	"github.com/dkeye/televisit/internal/adapters/store"
	"github.com/dkeye/televisit/internal/config"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemory(time.Minute)
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	srv := signal.NewServer(mem, nil, signal.Options{})
	ts := httptest.NewServer(SetupRouter(ctx, cfg, mem, srv))
	t.Cleanup(ts.Close)
	return ts, mem
}

func TestHealth_SetsClientCookie(t *testing.T) {
	ts, _ := newTestRouter(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var found bool
	for _, ck := range resp.Cookies() {
		if ck.Name == "TelevisitSessions" {
			found = true
		}
	}
	assert.True(t, found, "session cookie expected")

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealth_HeaderTokenSkipsCookie(t *testing.T) {
	ts, _ := newTestRouter(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	req.Header.Set(clientTokenHeader, "peer-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Cookies())
}

func TestGetSession(t *testing.T) {
	ts, mem := newTestRouter(t)

	resp, err := http.Get(ts.URL + "/api/sessions/s1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, mem.WriteOffer(context.Background(), "s1", "alice", offer))

	resp, err = http.Get(ts.URL + "/api/sessions/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, domain.SessionID("s1"), got.Session.ID)
	assert.Equal(t, domain.StatusPending, got.Session.Status)
	assert.Equal(t, domain.UserID("alice"), got.Session.PatientID)
	assert.Empty(t, got.Watchers)
}

func TestGetSession_IDTooLong(t *testing.T) {
	ts, _ := newTestRouter(t)

	resp, err := http.Get(ts.URL + "/api/sessions/" + strings.Repeat("x", domain.MaxSessionIDLen+1))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndSession(t *testing.T) {
	ts, mem := newTestRouter(t)
	ctx := context.Background()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, mem.WriteOffer(ctx, "s1", "alice", offer))

	done := make(chan struct{})
	cancel, err := mem.Subscribe(ctx, "s1", func(s domain.Session) {
		if s.Ended() {
			close(done)
		}
	})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/api/sessions/s1/end", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ended was not delivered")
	}
	rec, err := mem.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, rec.Ended())
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(domain.ErrSessionNotFound))
	assert.Equal(t, http.StatusConflict, statusOf(domain.ErrSessionEnded))
	assert.Equal(t, http.StatusBadRequest, statusOf(domain.ErrSessionIDEmpty))
	assert.Equal(t, http.StatusInternalServerError, statusOf(context.DeadlineExceeded))
}
