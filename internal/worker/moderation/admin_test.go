package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwarden/chatwarden/internal/wire"
)

func staticToken(tok string) TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

func newTestAdmin(t *testing.T, handler http.HandlerFunc) *AdminClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewAdminClient(srv.URL, staticToken("app-token"))
	c.retractDelay = 0
	return c
}

func TestDelete_SendsRetractRequest(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	c := newTestAdmin(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})

	err := c.Delete(context.Background(), "msg-1", "room@muc/author-1", "room@muc")
	require.NoError(t, err)
	assert.Equal(t, "/messages/retract/msg-1", gotPath)
	assert.Contains(t, gotQuery, "from=room%40muc%2Fauthor-1")
	assert.Contains(t, gotQuery, "muc=room%40muc")
	assert.Equal(t, "Bearer app-token", gotAuth)
}

func TestDelete_Treats500AsSuccess(t *testing.T) {
	c := newTestAdmin(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.NoError(t, c.Delete(context.Background(), "msg-1", "a", "r"))
}

func TestDelete_403IsPermissionDenied(t *testing.T) {
	c := newTestAdmin(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	err := c.Delete(context.Background(), "msg-1", "a", "r")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestDelete_OtherStatusIsError(t *testing.T) {
	c := newTestAdmin(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.Error(t, c.Delete(context.Background(), "msg-1", "a", "r"))
}

func TestMute_CommunityUsesOwnGUID(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	c := newTestAdmin(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	})

	entity := wire.EntityConfig{GUID: "club-1", Type: wire.EntityCommunity}
	err := c.Mute(context.Background(), entity, "user-1", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "/club/club-1/member/user-1:mute", gotPath)
	until, perr := time.Parse(time.RFC3339, gotBody["until"])
	require.NoError(t, perr)
	assert.WithinDuration(t, time.Now().Add(time.Minute), until, 10*time.Second)
}

func TestMute_ChannelUsesParentGUID(t *testing.T) {
	var gotPath string
	c := newTestAdmin(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	for _, typ := range []string{wire.EntityChat, wire.EntityIHL} {
		entity := wire.EntityConfig{GUID: "chan-1", ParentGUID: "club-1", Type: typ}
		require.NoError(t, c.Mute(context.Background(), entity, "user-1", time.Minute))
		assert.Equal(t, "/club/club-1/member/user-1:mute", gotPath, "type %s", typ)
	}
}

func TestMute_403IsPermissionDenied(t *testing.T) {
	c := newTestAdmin(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	err := c.Mute(context.Background(), wire.EntityConfig{GUID: "c"}, "u", time.Minute)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
