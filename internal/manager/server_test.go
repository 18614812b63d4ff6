package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwarden/chatwarden/internal/wire"
)

func newTestServer(t *testing.T, dp *fakeDP, sp *fakeSpawner) (*httptest.Server, *Supervisor) {
	t.Helper()
	s := newTestSupervisor(dp, sp)
	srv := NewServer(s, 0)
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, s
}

func TestHealthEndpoint(t *testing.T) {
	ts, s := newTestServer(t, &fakeDP{}, newFakeSpawner())
	s.startChild(context.Background(), 1)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.ActiveBots)
	assert.NotZero(t, h.MemoryUsage)
	assert.NotEmpty(t, h.Uptime)
}

func TestStatusEndpoint(t *testing.T) {
	ts, s := newTestServer(t, &fakeDP{}, newFakeSpawner())
	s.startChild(context.Background(), 2)
	s.mu.Lock()
	s.failures[3] = &failureState{count: 4, last: time.Now()}
	s.mu.Unlock()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Contains(t, st.ChildProcesses, int64(2))
	assert.Equal(t, 4, st.BotFailures[3])
	assert.Equal(t, 1, st.Health.FailedBots)
}

func TestRestartBotEndpoint(t *testing.T) {
	dp := &fakeDP{bots: []wire.ActiveBot{{BotID: 11}}}
	sp := newFakeSpawner()
	ts, _ := newTestServer(t, dp, sp)

	resp, err := http.Post(ts.URL+"/restart-bot", "application/json",
		strings.NewReader(`{"botId": 11}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.Equal(t, 1, sp.spawnCount())
}

func TestRestartBotRequiresBotID(t *testing.T) {
	ts, _ := newTestServer(t, &fakeDP{}, newFakeSpawner())

	resp, err := http.Post(ts.URL+"/restart-bot", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRestartBotReportsDataPlaneOutage(t *testing.T) {
	ts, _ := newTestServer(t, &fakeDP{healthErr: errors.New("down")}, newFakeSpawner())

	resp, err := http.Post(ts.URL+"/restart-bot", "application/json",
		strings.NewReader(`{"botId": 11}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &fakeDP{}, newFakeSpawner())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
