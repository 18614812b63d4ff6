package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwarden/chatwarden/internal/dataplane/store"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	t     Tokens
	err   error
}

func (f *fakeRefresher) Refresh(context.Context, string) (Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.t, f.err
}

type fakeTokenStore struct {
	updates int
	access  string
	refresh string
}

func (f *fakeTokenStore) UpdateBotTokens(_ context.Context, _ int64, access, refresh string, _ time.Time) error {
	f.updates++
	f.access = access
	f.refresh = refresh
	return nil
}

func TestShouldRefresh(t *testing.T) {
	unforced := 30 * time.Minute
	forced := time.Minute

	tests := []struct {
		name  string
		since time.Duration
		force bool
		want  bool
	}{
		{"never refreshed", 0, false, true},
		{"fresh unforced", 5 * time.Minute, false, false},
		{"stale unforced", 31 * time.Minute, false, true},
		{"fresh forced", 30 * time.Second, true, false},
		{"stale forced", 2 * time.Minute, true, true},
		{"forced bypasses unforced window", 5 * time.Minute, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := time.Time{}
			if tt.since > 0 {
				last = time.Now().Add(-tt.since)
			}
			assert.Equal(t, tt.want, ShouldRefresh(last, tt.force, unforced, forced))
		})
	}
}

func TestAccessToken_ThrottledServesStored(t *testing.T) {
	ref := &fakeRefresher{t: Tokens{AccessToken: "new"}}
	st := &fakeTokenStore{}
	svc := NewTokenService(ref, st, 30*time.Minute, time.Minute)

	bot := store.Bot{ID: 1, AccessToken: "stored", RefreshToken: "r1", LastRefresh: time.Now()}

	// Two non-forced calls inside the window: no upstream refresh.
	for i := 0; i < 2; i++ {
		tok, err := svc.AccessToken(context.Background(), bot, false)
		require.NoError(t, err)
		assert.Equal(t, "stored", tok)
	}
	assert.Zero(t, ref.calls)
	assert.Zero(t, st.updates)
}

func TestAccessToken_RefreshPersistsRotatedPair(t *testing.T) {
	ref := &fakeRefresher{t: Tokens{AccessToken: "new-access", RefreshToken: "new-refresh"}}
	st := &fakeTokenStore{}
	svc := NewTokenService(ref, st, 30*time.Minute, time.Minute)

	bot := store.Bot{ID: 1, RefreshToken: "r1"}
	tok, err := svc.AccessToken(context.Background(), bot, false)
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok)
	assert.Equal(t, 1, st.updates)
	assert.Equal(t, "new-refresh", st.refresh)
}

func TestAccessToken_KeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	ref := &fakeRefresher{t: Tokens{AccessToken: "new-access"}}
	st := &fakeTokenStore{}
	svc := NewTokenService(ref, st, 30*time.Minute, time.Minute)

	_, err := svc.AccessToken(context.Background(), store.Bot{ID: 1, RefreshToken: "r1"}, false)
	require.NoError(t, err)
	assert.Equal(t, "r1", st.refresh)
}

func TestAccessToken_RefreshFailureFallsBackToStored(t *testing.T) {
	ref := &fakeRefresher{err: errors.New("provider down")}
	st := &fakeTokenStore{}
	svc := NewTokenService(ref, st, 30*time.Minute, time.Minute)

	tok, err := svc.AccessToken(context.Background(), store.Bot{ID: 1, AccessToken: "stored", RefreshToken: "r1"}, false)
	require.NoError(t, err)
	assert.Equal(t, "stored", tok)

	_, err = svc.AccessToken(context.Background(), store.Bot{ID: 2, RefreshToken: "r2"}, false)
	assert.Error(t, err, "no stored token to fall back to")
}

func TestOAuthClient_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "r1", r.Form.Get("refresh_token"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a1","refresh_token":"r2"}`))
	}))
	defer srv.Close()

	c := NewOAuthClient(srv.URL, "cid", "secret")
	tok, err := c.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
}

func TestOAuthClient_RejectsEmptyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewOAuthClient(srv.URL, "cid", "secret")
	_, err := c.Refresh(context.Background(), "r1")
	assert.Error(t, err)
}
