// Package config loads chatwarden configuration from defaults, an
// optional YAML file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the runtime configuration shared by the data-plane, the
// manager and the workers. Each process loads the full struct and reads
// the parts it needs.
type Config struct {
	// Relational store (data-plane only).
	DBHost     string `koanf:"db_host"`
	DBPort     int    `koanf:"db_port"`
	DBUser     string `koanf:"db_user"`
	DBPassword string `koanf:"db_password"`
	DBName     string `koanf:"db_name"`
	DBSSLMode  string `koanf:"db_sslmode"`

	// HTTP surfaces.
	DataplanePort  int    `koanf:"dataplane_port"`
	ManagerPort    int    `koanf:"manager_port"`
	WorkerPortBase int    `koanf:"worker_port_base"`
	DataplaneURL   string `koanf:"dataplane_url"`
	// Optional shared bearer token for the data-plane surface. Empty
	// disables authentication (private-network deployment).
	DataplaneAuthToken string `koanf:"dataplane_auth_token"`

	// Upstream chat service.
	ChatWSURL        string `koanf:"chat_ws_url"`
	ChatAuthURL      string `koanf:"chat_auth_url"`
	ChatAdminURL     string `koanf:"chat_admin_url"`
	ChatDomain       string `koanf:"chat_domain"`
	MUCDomain        string `koanf:"muc_domain"`
	SupergroupDomain string `koanf:"supergroup_domain"`

	// Upstream OAuth client.
	OAuthClientID     string `koanf:"oauth_client_id"`
	OAuthClientSecret string `koanf:"oauth_client_secret"`

	// Token refresh throttle.
	AccessTokenTTLMin       int `koanf:"access_token_ttl_min"`
	ForcedRefreshMinSeconds int `koanf:"forced_refresh_min_seconds"`

	// Worker tunables.
	OutgoingIntervalMS   int `koanf:"outgoing_interval_ms"`
	ReconcileIntervalMin int `koanf:"reconcile_interval_min"`
	ReadonlyMuteSeconds  int `koanf:"readonly_mute_seconds"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"db_host":                    "localhost",
		"db_port":                    5432,
		"db_user":                    "chatwarden",
		"db_password":                "",
		"db_name":                    "chatwarden",
		"db_sslmode":                 "disable",
		"dataplane_port":             3008,
		"manager_port":               3009,
		"worker_port_base":           4000,
		"dataplane_url":              "http://127.0.0.1:3008",
		"dataplane_auth_token":       "",
		"chat_ws_url":                "wss://chat.faceit.com/ws",
		"chat_auth_url":              "https://api.faceit.com/auth/v1",
		"chat_admin_url":             "https://chat-server.faceit.com/v1",
		"chat_domain":                "faceit.com",
		"muc_domain":                 "conference.faceit.com",
		"supergroup_domain":          "supergroup.faceit.com",
		"oauth_client_id":            "",
		"oauth_client_secret":        "",
		"access_token_ttl_min":       30,
		"forced_refresh_min_seconds": 60,
		"outgoing_interval_ms":       300,
		"reconcile_interval_min":     10,
		"readonly_mute_seconds":      10,
	}
}

// Load builds a Config from defaults, the YAML file at path (optional,
// may be empty; CONFIG_FILE env overrides it) and environment variables
// named after the upper-cased koanf keys (DB_HOST, DATAPLANE_PORT, ...).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if envPath := os.Getenv("CONFIG_FILE"); envPath != "" {
		path = envPath
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Only environment variables matching a known key are merged, so
	// unrelated process environment does not leak into the config.
	known := Defaults()
	err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if _, ok := known[key]; ok {
			return key
		}
		return "" // skip
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// DatabaseDSN returns the lib/pq connection string for the data-plane
// store.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// WorkerPort returns the deterministic control port for a bot id.
// Ports above 65535 are a configuration error surfaced at worker start.
func (c *Config) WorkerPort(botID int64) (int, error) {
	port := int64(c.WorkerPortBase) + botID
	if botID < 0 || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("bot id %d maps outside the valid port range", botID)
	}
	return int(port), nil
}
