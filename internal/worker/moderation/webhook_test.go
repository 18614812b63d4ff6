package moderation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chatwarden/chatwarden/internal/util/testutil"
)

func TestWebhookNotifier_PostsContent(t *testing.T) {
	var mu sync.Mutex
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = body
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier()
	n.Notify(srv.URL, "rule violated")

	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	assert.Equal(t, "rule violated", got["content"])
}

func TestWebhookNotifier_DropsWhenRateLimited(t *testing.T) {
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWebhookNotifier()
	for i := 0; i < 50; i++ {
		n.Notify(srv.URL, "burst")
	}

	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	})
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, count, 10, "burst should be rate limited")
}
