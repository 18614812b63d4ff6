// Package dataplane is the worker-side client for the data-plane
// service: bot config, entity rosters, moderation config and status
// writes.
package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chatwarden/chatwarden/internal/wire"
)

// ErrNotFound is returned when the data-plane answers 404.
var ErrNotFound = errors.New("dataplane: not found")

// StatusError is a non-2xx data-plane response.
type StatusError struct {
	Status int
	Path   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dataplane: %s answered %d", e.Path, e.Status)
}

// Client talks to the data-plane HTTP surface.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient creates a data-plane client. authToken may be empty when
// the surface runs unauthenticated.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// ActiveBots returns the ids of all active bots.
func (c *Client) ActiveBots(ctx context.Context) ([]wire.ActiveBot, error) {
	var bots []wire.ActiveBot
	if err := c.getJSON(ctx, "/bots/active", &bots); err != nil {
		return nil, err
	}
	return bots, nil
}

// BotConfig fetches a bot's credentials. force asks the data-plane to
// bypass its 30-minute refresh throttle, used after not-authorized.
func (c *Client) BotConfig(ctx context.Context, botID int64, force bool) (wire.BotConfig, error) {
	path := fmt.Sprintf("/bots/%d/config", botID)
	if force {
		path += "?force=1"
	}
	var cfg wire.BotConfig
	if err := c.getJSON(ctx, path, &cfg); err != nil {
		return wire.BotConfig{}, err
	}
	return cfg, nil
}

// BotEntities returns the active entities owned by a bot, keyed by guid.
func (c *Client) BotEntities(ctx context.Context, botID int64) (map[string]wire.EntityConfig, error) {
	var out map[string]wire.EntityConfig
	if err := c.getJSON(ctx, fmt.Sprintf("/bots/%d/entities", botID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EntityData fetches one entity's configuration.
func (c *Client) EntityData(ctx context.Context, entityGUID string) (wire.EntityConfig, error) {
	var cfg wire.EntityConfig
	if err := c.getJSON(ctx, "/entities/"+url.PathEscape(entityGUID)+"/data", &cfg); err != nil {
		return wire.EntityConfig{}, err
	}
	return cfg, nil
}

// ModerationConfig fetches the profanity config for an entity,
// including its manager exemption list.
func (c *Client) ModerationConfig(ctx context.Context, entityGUID string) (wire.ProfanityConfig, error) {
	var cfg wire.ProfanityConfig
	if err := c.getJSON(ctx, "/profanity-filter-config/"+url.PathEscape(entityGUID), &cfg); err != nil {
		return wire.ProfanityConfig{}, err
	}
	return cfg, nil
}

// Preset fetches one profanity preset.
func (c *Client) Preset(ctx context.Context, presetID int64) (wire.Preset, error) {
	var p wire.Preset
	if err := c.getJSON(ctx, fmt.Sprintf("/profanity-filter-presets/%d", presetID), &p); err != nil {
		return wire.Preset{}, err
	}
	return p, nil
}

// MarkEntityInactive reports an upstream 404 for an entity so the
// data-plane flips its status.
func (c *Client) MarkEntityInactive(ctx context.Context, entityGUID string) error {
	return c.postJSON(ctx, "/entities/"+url.PathEscape(entityGUID)+"/status",
		wire.StatusUpdate{Status: wire.StatusInactive}, nil)
}

// Health probes the data-plane.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", &struct{}{})
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out interface{}) error {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dataplane: %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &StatusError{Status: resp.StatusCode, Path: path}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dataplane: decode %s: %w", path, err)
	}
	return nil
}
