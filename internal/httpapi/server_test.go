package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonaudio/speechd/internal/bus"
	"github.com/halcyonaudio/speechd/internal/session"
)

type apiFixture struct {
	bus      *bus.Bus
	sessions *session.Manager
	server   *httptest.Server
	ready    atomic.Bool
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	b := bus.New(bus.Config{HistorySize: 16}, zerolog.Nop())
	sessions := session.NewManager(b, session.Config{IdleTimeout: -1}, zerolog.Nop())

	f := &apiFixture{bus: b, sessions: sessions}
	f.ready.Store(true)
	srv := New(Deps{
		Sessions: sessions,
		Stream:   http.NotFoundHandler(),
		Stats: func() Overview {
			return Overview{Sessions: sessions.Stats()}
		},
		Recent: func(eventType string, limit int) any {
			return b.Recent(bus.EventType(eventType), limit)
		},
		Ready: func() bool { return f.ready.Load() },
	}, zerolog.Nop())
	f.server = httptest.NewServer(srv)

	t.Cleanup(func() {
		f.server.Close()
		sessions.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return f
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.ready.Store(false)
	resp, _ = f.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.sessions.Create()

	resp, body := f.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var overview struct {
		Sessions session.Stats `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body, &overview))
	assert.Equal(t, uint64(1), overview.Sessions.Active)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	s := f.sessions.Create()
	s.NextChunkID()

	resp, body := f.get(t, "/api/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, s.ID, listing.Sessions[0].ID)

	resp, body = f.get(t, "/api/sessions/"+s.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info session.Info
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, uint64(1), info.ChunkCount)

	resp, _ = f.get(t, "/api/sessions/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCloseSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	s := f.sessions.Create()

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/sessions/"+s.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = f.sessions.Get(s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bus.Publish(bus.Event{Type: "chunk_received", SessionID: "s1", ChunkID: 0}))
	require.NoError(t, f.bus.Publish(bus.Event{Type: "chunk_received", SessionID: "s1", ChunkID: 1}))
	require.NoError(t, f.bus.Publish(bus.Event{Type: "chunk_finalized", SessionID: "s1", ChunkID: 0}))

	var listing struct {
		Events []bus.Event `json:"events"`
	}

	resp, body := f.get(t, "/api/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	assert.Len(t, listing.Events, 3)

	resp, body = f.get(t, "/api/events?type=chunk_finalized")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Events, 1)
	assert.Equal(t, bus.EventType("chunk_finalized"), listing.Events[0].Type)

	resp, body = f.get(t, "/api/events?type=chunk_received&limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Events, 1)
	assert.Equal(t, uint64(1), listing.Events[0].ChunkID)

	resp, _ = f.get(t, "/api/events?limit=nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}
