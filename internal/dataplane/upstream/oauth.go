// Package upstream owns the OAuth refresh-token flow against the chat
// provider and the per-bot refresh throttle.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tokens is the result of one refresh-token exchange. The provider may
// rotate the refresh token; callers must persist both.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// OAuthClient performs the refresh_token grant.
type OAuthClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	http         *http.Client
}

// NewOAuthClient creates a client for the provider's token endpoint.
func NewOAuthClient(tokenURL, clientID, clientSecret string) *OAuthClient {
	return &OAuthClient{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

// Refresh exchanges a refresh token for a fresh token pair.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("oauth refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Tokens{}, fmt.Errorf("oauth refresh: token endpoint answered %d", resp.StatusCode)
	}

	var t Tokens
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Tokens{}, fmt.Errorf("oauth refresh: decode: %w", err)
	}
	if t.AccessToken == "" {
		return Tokens{}, fmt.Errorf("oauth refresh: empty access token")
	}
	return t, nil
}
