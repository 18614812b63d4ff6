package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwarden/chatwarden/internal/wire"
	"github.com/chatwarden/chatwarden/internal/worker"
)

type fakeAPI struct {
	assigned    []string
	assignData  *wire.EntityConfig
	unassigned  []string
	updated     []string
	refreshed   []int64
	exitCalled  bool
}

func (f *fakeAPI) Assign(_ context.Context, guid string, data *wire.EntityConfig) error {
	f.assigned = append(f.assigned, guid)
	f.assignData = data
	return nil
}

func (f *fakeAPI) Unassign(_ context.Context, guid string) error {
	f.unassigned = append(f.unassigned, guid)
	return nil
}

func (f *fakeAPI) Update(_ context.Context, guid string) error {
	f.updated = append(f.updated, guid)
	return nil
}

func (f *fakeAPI) RefreshPreset(_ context.Context, id int64) error {
	f.refreshed = append(f.refreshed, id)
	return nil
}

func (f *fakeAPI) State() worker.ReconnectionState {
	return worker.ReconnectionState{Connected: true, Entities: 3}
}

func (f *fakeAPI) RequestExit() { f.exitCalled = true }

func newTestServer(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{}
	s := New(api, 0)
	handler := s.http.Handler.(*chi.Mux)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return api, srv
}

func TestAssignWithoutBody(t *testing.T) {
	api, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/assign/e1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"e1"}, api.assigned)
	assert.Nil(t, api.assignData)
}

func TestAssignWithEntityData(t *testing.T) {
	api, srv := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"entityData": wire.EntityConfig{GUID: "e1", Type: "community", Name: "room one"},
	})
	resp, err := http.Post(srv.URL+"/assign/e1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, api.assignData)
	assert.Equal(t, "room one", api.assignData.Name)
}

func TestUnassignAndUpdate(t *testing.T) {
	api, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/unassign/e2", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/update/e3", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"e2"}, api.unassigned)
	assert.Equal(t, []string{"e3"}, api.updated)
}

func TestRefreshPreset(t *testing.T) {
	api, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/refresh-preset/42", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{42}, api.refreshed)

	resp, err = http.Post(srv.URL+"/refresh-preset/not-a-number", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReconnectionState(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/reconnection-state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st worker.ReconnectionState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Connected)
	assert.Equal(t, 3, st.Entities)
}

func TestExitProcess(t *testing.T) {
	api, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/exit-process", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, api.exitCalled)
}
