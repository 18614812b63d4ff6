package xmpp

import (
	"encoding/base64"
	"fmt"
)

// PlainCredentials returns the SASL PLAIN payload for a bot identity:
// authzid is the full account JID, authcid the account guid, and the
// chat session token acts as the password.
func PlainCredentials(accountGUID, domain, chatToken string) string {
	raw := fmt.Sprintf("%s@%s\x00%s\x00%s", accountGUID, domain, accountGUID, chatToken)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// NewMUCLightConfigRequest builds the configuration query that yields a
// room's presence-group.
func NewMUCLightConfigRequest(id, roomJID string) *IQ {
	return &IQ{
		Type:     "get",
		ID:       id,
		To:       roomJID,
		MUCLight: &MUCLightQuery{},
	}
}

// NewSupergroupSubscribe builds a supergroup subscribe or unsubscribe.
func NewSupergroupSubscribe(id, presenceGroup string, subscribe bool) *IQ {
	set := "false"
	if subscribe {
		set = "true"
	}
	return &IQ{
		Type: "set",
		ID:   id,
		To:   presenceGroup,
		Supergroup: &SupergroupQuery{
			Subscribe: &Subscribe{Set: set},
		},
	}
}

// NewPingResult answers a server ping.
func NewPingResult(req *IQ) *IQ {
	return &IQ{
		Type: "result",
		ID:   req.ID,
		To:   req.From,
	}
}

// NewFeatureNotImplemented rejects an unsupported IQ get so the server
// stops retrying it.
func NewFeatureNotImplemented(req *IQ) *IQ {
	return &IQ{
		Type: "error",
		ID:   req.ID,
		To:   req.From,
		Error: &StanzaError{
			Type:  "cancel",
			Inner: `<feature-not-implemented xmlns="` + NSStanzas + `"/>`,
		},
	}
}

// NewGroupchatMessage builds a room message with an optional attachment.
func NewGroupchatMessage(id, roomJID, body, attachmentID string) *Message {
	m := &Message{
		Type: "groupchat",
		ID:   id,
		To:   roomJID,
		Body: body,
	}
	if attachmentID != "" {
		m.Upload = &Upload{Img: &Img{ID: attachmentID}}
	}
	return m
}

// NewChatMessage builds a direct message (used for welcome messages).
func NewChatMessage(id, to, body string) *Message {
	return &Message{
		Type: "chat",
		ID:   id,
		To:   to,
		Body: body,
	}
}

// NewInitialPresence builds the global presence sent right after bind.
func NewInitialPresence(id string) *Presence {
	return &Presence{ID: id}
}
