package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tullebulle/pingpong/internal/config"
	"github.com/tullebulle/pingpong/internal/events"
	"github.com/tullebulle/pingpong/internal/lobby"
)

type stubSupervisor struct {
	snap lobby.Snapshot
}

func (s *stubSupervisor) Snapshot() lobby.Snapshot { return s.snap }

type stubStats struct{}

func (stubStats) Stats(username string) (int, int, int, error) {
	if username == "alice" {
		return 5, 3, 2, nil
	}
	return 0, 0, 0, nil
}

func (stubStats) Totals() (int, int, error) { return 2, 5, nil }

func newTestRouter(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	cfg := config.DefaultConfig()
	sup := &stubSupervisor{snap: lobby.Snapshot{
		Lobbies: []lobby.LobbySnapshot{{
			ID:        1,
			Port:      12345,
			Status:    "active",
			Player0:   "alice",
			Player1:   "bob",
			CreatedAt: time.Now(),
		}},
		Queue:    []lobby.QueueEntry{{Username: "carol", WaitingSince: time.Now()}},
		Sessions: 3,
	}}
	srv := NewServer(cfg, events.NewEventBus(), sup, stubStats{})
	return srv, srv.buildRouter()
}

func doGet(t *testing.T, handler http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestPingEndpoint(t *testing.T) {
	_, router := newTestRouter(t)
	code, body := doGet(t, router, "/api/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestLobbiesEndpoint(t *testing.T) {
	_, router := newTestRouter(t)
	code, body := doGet(t, router, "/api/lobbies")
	assert.Equal(t, http.StatusOK, code)

	lobbies := body["lobbies"].([]interface{})
	require.Len(t, lobbies, 1)
	first := lobbies[0].(map[string]interface{})
	assert.Equal(t, "active", first["status"])
	assert.Equal(t, "alice", first["player0"])
	assert.Equal(t, float64(12345), first["port"])
}

func TestQueueEndpoint(t *testing.T) {
	_, router := newTestRouter(t)
	code, body := doGet(t, router, "/api/queue")
	assert.Equal(t, http.StatusOK, code)

	queue := body["queue"].([]interface{})
	require.Len(t, queue, 1)
	assert.Equal(t, "carol", queue[0].(map[string]interface{})["username"])
}

func TestPlayerStatsEndpoint(t *testing.T) {
	_, router := newTestRouter(t)
	code, body := doGet(t, router, "/api/stats/alice")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5), body["games"])
	assert.Equal(t, float64(3), body["wins"])
	assert.Equal(t, float64(2), body["losses"])
}

func TestStatusEndpoint(t *testing.T) {
	_, router := newTestRouter(t)
	code, body := doGet(t, router, "/api/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["lobbies"])
	assert.Equal(t, float64(1), body["queue_length"])
	assert.Equal(t, float64(3), body["sessions"])
	assert.Equal(t, float64(2), body["total_users"])
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	_, router := newTestRouter(t)
	code, body := doGet(t, router, "/api/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "endpoint not found", body["error"])
}
