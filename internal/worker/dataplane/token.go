package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoChatToken is returned when the auth endpoint answers without a
// usable session token.
var ErrNoChatToken = errors.New("dataplane: auth endpoint returned no chat token")

// AuthClient exchanges a bot's access credential for a short-lived
// chat-session token at the upstream auth endpoint.
type AuthClient struct {
	baseURL string
	http    *http.Client
}

// NewAuthClient creates a client for the upstream auth endpoint.
func NewAuthClient(baseURL string) *AuthClient {
	return &AuthClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ChatToken exchanges accessToken for a chat-session token.
func (c *AuthClient) ChatToken(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Status: resp.StatusCode, Path: "/sessions"}
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("chat token exchange: decode: %w", err)
	}
	if body.Token == "" {
		return "", ErrNoChatToken
	}
	return body.Token, nil
}
