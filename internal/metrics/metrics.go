// Package metrics provides Prometheus instrumentation for chatwarden.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, shared by the data-plane, manager and worker control surfaces.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatwarden_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Worker session metrics.
var (
	SessionConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatwarden_session_connected",
		Help: "1 while the chat session is online, 0 otherwise.",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_reconnect_attempts_total",
		Help: "Total number of chat session reconnect attempts.",
	})

	StanzasSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_stanzas_sent_total",
		Help: "Total number of stanzas sent from the outgoing queue.",
	})

	StanzasDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_stanzas_dropped_total",
		Help: "Total number of outgoing stanzas dropped.",
	}, []string{"reason"})

	ActiveEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatwarden_active_entities",
		Help: "Number of entities currently held by this worker.",
	})
)

// Moderation metrics.
var (
	ModerationActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_moderation_actions_total",
		Help: "Total moderation actions taken, by kind.",
	}, []string{"action"})

	CachedPresets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatwarden_cached_presets",
		Help: "Number of profanity presets currently cached.",
	})
)

// Data-plane metrics.
var (
	FanoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_fanout_total",
		Help: "Total worker notification fan-out attempts, by result.",
	}, []string{"result"})

	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwarden_token_refresh_total",
		Help: "Total upstream OAuth refresh attempts, by result.",
	}, []string{"result"})
)

// Manager metrics.
var (
	ChildRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwarden_child_restarts_total",
		Help: "Total worker process restarts performed by the manager.",
	})

	RunningChildren = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatwarden_running_children",
		Help: "Number of worker processes currently alive.",
	})
)
