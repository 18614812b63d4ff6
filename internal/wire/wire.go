// Package wire defines the JSON contract between the data-plane
// service and the workers. Both sides marshal and unmarshal exactly
// these shapes.
package wire

import "regexp"

// Entity types.
const (
	EntityCommunity = "community"
	EntityChat      = "chat"
	EntityIHL       = "ihl"
)

// Entity statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ActiveBot is one element of GET /bots/active.
type ActiveBot struct {
	BotID int64 `json:"bot_id"`
}

// BotConfig is the response of GET /bots/:id/config.
type BotConfig struct {
	BotGUID  string `json:"bot_guid"`
	BotToken string `json:"bot_token"`
	Nickname string `json:"nickname"`
}

// Command is one entry of an entity's commands map, keyed by trigger.
type Command struct {
	Response     string `json:"response"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// Timer is one entry of an entity's ordered timers list.
type Timer struct {
	Message      string `json:"message"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// EntityConfig is the response of GET /entities/:id/data and the value
// type of GET /bots/:id/entities.
type EntityConfig struct {
	GUID            string             `json:"guid"`
	Name            string             `json:"name"`
	Type            string             `json:"type"`
	ParentGUID      string             `json:"parent_guid,omitempty"`
	Commands        map[string]Command `json:"commands"`
	Timers          []Timer            `json:"timers"`
	TimerCounterMax int                `json:"timer_counter_max"`
	ReadOnly        bool               `json:"read_only"`
	WelcomeMessage  string             `json:"welcome_message,omitempty"`
}

// ProfanityConfig is the response of GET /profanity-filter-config/:entityId.
type ProfanityConfig struct {
	PresetID       int64    `json:"preset_id,omitempty"` // 0 means no preset
	CustomWords    []string `json:"custom_words"`
	WebhookURL     string   `json:"webhook_url,omitempty"`
	WebhookMessage string   `json:"webhook_message,omitempty"`
	Reply          string   `json:"reply,omitempty"`
	MuteSeconds    int      `json:"mute_duration_seconds"`
	Active         bool     `json:"active"`
	ManagerGUIDs   []string `json:"manager_guids"`
}

// Preset is the response of GET /profanity-filter-presets/:id.
type Preset struct {
	ID       int64    `json:"preset_id"`
	Name     string   `json:"preset_name"`
	Language string   `json:"language"`
	Words    []string `json:"words"`
}

// StatusUpdate is the body of POST /entities/:id/status.
type StatusUpdate struct {
	Status string `json:"status"`
}

// AssignRequest is the body of POST /entities/:id/assign on the
// data-plane surface.
type AssignRequest struct {
	BotID int64 `json:"bot_id"`
}

// Banned words are restricted to plain word shapes so that the derived
// evasion patterns stay linear: unicode letters and numbers, spaces and
// a little punctuation, 1..100 runes. Anything else is dropped at the
// boundary.
var wordShape = regexp.MustCompile(`^[\p{L}\p{N} \-_'.!?]{1,100}$`)

// ValidWord reports whether a banned word is acceptable.
func ValidWord(w string) bool {
	return wordShape.MatchString(w)
}

// FilterWords returns the subset of words that pass ValidWord.
func FilterWords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if ValidWord(w) {
			out = append(out, w)
		}
	}
	return out
}
