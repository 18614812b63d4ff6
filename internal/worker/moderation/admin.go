package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/chatwarden/chatwarden/internal/wire"
)

// ErrPermissionDenied is returned when the admin API answers 403: the
// bot lacks moderator rights in the room. Callers treat it as
// non-fatal.
var ErrPermissionDenied = errors.New("moderation: permission denied")

// TokenFunc yields the current application access token.
type TokenFunc func(ctx context.Context) (string, error)

// AdminClient talks to the upstream chat admin API for message
// retraction and member muting.
type AdminClient struct {
	baseURL string
	http    *http.Client
	token   TokenFunc

	// retractDelay gives the upstream a moment to persist the message
	// before we ask it to retract it. Retracting too early is a no-op
	// upstream.
	retractDelay time.Duration
}

// NewAdminClient creates a client for the chat admin API.
func NewAdminClient(baseURL string, token TokenFunc) *AdminClient {
	return &AdminClient{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: 15 * time.Second},
		token:        token,
		retractDelay: 300 * time.Millisecond,
	}
}

// Delete retracts a message. The upstream answers 500 on some already
// retracted or still-propagating messages while having done the work,
// so 500 counts as success alongside 2xx.
func (c *AdminClient) Delete(ctx context.Context, messageID, authorJID, roomJID string) error {
	select {
	case <-time.After(c.retractDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	u := fmt.Sprintf("%s/messages/retract/%s?from=%s&muc=%s",
		c.baseURL, url.PathEscape(messageID), url.QueryEscape(authorJID), url.QueryEscape(roomJID))
	resp, err := c.post(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("retract message %s: %w", messageID, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusInternalServerError:
		slog.Debug("retract answered 500, treating as done", "message_id", messageID)
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied
	default:
		return fmt.Errorf("retract message %s: unexpected status %d", messageID, resp.StatusCode)
	}
}

// Mute silences a member for the given duration. The admin API keys
// mutes by club: channel-scoped entities mute at their parent club.
func (c *AdminClient) Mute(ctx context.Context, entity wire.EntityConfig, userGUID string, d time.Duration) error {
	clubID := entity.GUID
	if entity.Type == wire.EntityChat || entity.Type == wire.EntityIHL {
		clubID = entity.ParentGUID
	}

	body, err := json.Marshal(map[string]string{
		"until": time.Now().Add(d).UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/club/%s/member/%s:mute",
		c.baseURL, url.PathEscape(clubID), url.PathEscape(userGUID))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return fmt.Errorf("mute %s in %s: %w", userGUID, clubID, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied
	default:
		return fmt.Errorf("mute %s in %s: unexpected status %d", userGUID, clubID, resp.StatusCode)
	}
}

func (c *AdminClient) post(ctx context.Context, u string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return c.http.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
