// Package xmpp implements the worker's XMPP-over-WebSocket session
// against the upstream chat service: RFC 7395 framing, SASL PLAIN,
// resource binding, and the small stanza dialect the fleet speaks.
package xmpp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chatwarden/chatwarden/internal/id"
)

// ErrNotAuthorized is returned when the upstream rejects the chat
// session credential. The caller reacts by force-refreshing tokens.
var ErrNotAuthorized = errors.New("chat session not authorized")

// readLimit bounds a single inbound frame. Room messages are small;
// anything bigger than this is hostile or broken.
const readLimit = 512 * 1024

// Config describes one session.
type Config struct {
	WSURL       string
	Domain      string
	AccountGUID string
	ChatToken   string
	Resource    string
	// HandshakeTimeout bounds the open/auth/bind exchange. Zero means 30s.
	HandshakeTimeout time.Duration
}

// Session is a live authenticated connection. Receive is driven by one
// goroutine; Send is safe for concurrent use.
type Session struct {
	conn     *websocket.Conn
	boundJID string

	mu sync.Mutex // serializes writes

	closeOnce sync.Once
}

// Dial opens the WebSocket, runs the stream handshake and binds the
// resource. On return the session is online and the caller owns the
// receive loop.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, cfg.WSURL, &websocket.DialOptions{
		Subprotocols: []string{"xmpp"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.WSURL, err)
	}
	conn.SetReadLimit(readLimit)

	s := &Session{conn: conn}

	if err := s.handshake(hctx, cfg); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context, cfg Config) error {
	// Stream open, then authenticate.
	if err := s.Send(ctx, &Open{To: cfg.Domain, Version: "1.0"}); err != nil {
		return fmt.Errorf("stream open: %w", err)
	}
	if err := s.awaitFeatures(ctx); err != nil {
		return err
	}

	if err := s.Send(ctx, &SASLAuth{
		Mechanism: "PLAIN",
		Payload:   PlainCredentials(cfg.AccountGUID, cfg.Domain, cfg.ChatToken),
	}); err != nil {
		return fmt.Errorf("sasl auth: %w", err)
	}
	for {
		v, err := s.Receive(ctx)
		if err != nil {
			return fmt.Errorf("sasl response: %w", err)
		}
		switch r := v.(type) {
		case *SASLSuccess:
		case *SASLFailure:
			if r.NotAuthorized() {
				return ErrNotAuthorized
			}
			return fmt.Errorf("sasl failure: %s", r.Inner)
		default:
			continue // ignore interleaved frames
		}
		break
	}

	// Restart the stream and bind the resource.
	if err := s.Send(ctx, &Open{To: cfg.Domain, Version: "1.0"}); err != nil {
		return fmt.Errorf("stream restart: %w", err)
	}
	if err := s.awaitFeatures(ctx); err != nil {
		return err
	}

	bindID := id.Generate()
	if err := s.Send(ctx, &IQ{
		Type: "set",
		ID:   bindID,
		Bind: &Bind{Resource: cfg.Resource},
	}); err != nil {
		return fmt.Errorf("bind request: %w", err)
	}
	for {
		v, err := s.Receive(ctx)
		if err != nil {
			return fmt.Errorf("bind response: %w", err)
		}
		iq, ok := v.(*IQ)
		if !ok || iq.ID != bindID {
			continue
		}
		if iq.Type != "result" || iq.Bind == nil {
			return fmt.Errorf("bind rejected: type=%s", iq.Type)
		}
		s.boundJID = iq.Bind.JID
		return nil
	}
}

// awaitFeatures reads frames until stream features arrive.
func (s *Session) awaitFeatures(ctx context.Context) error {
	for {
		v, err := s.Receive(ctx)
		if err != nil {
			return fmt.Errorf("await features: %w", err)
		}
		switch v.(type) {
		case *Features:
			return nil
		case *Open:
			// Server-side open echo precedes features.
		default:
			// Ignore anything else during handshake.
		}
	}
}

// BoundJID returns the full JID the server assigned at bind time.
func (s *Session) BoundJID() string {
	return s.boundJID
}

// Send marshals and writes one stanza. Safe for concurrent use.
func (s *Session) Send(ctx context.Context, v interface{}) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stanza: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("write stanza: %w", err)
	}
	return nil
}

// Receive reads and decodes the next frame. Only one goroutine may call
// Receive at a time. An undecodable frame is logged and returned as
// *Unknown; only transport errors end the session.
func (s *Session) Receive(ctx context.Context) (interface{}, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	v, err := Decode(data)
	if err != nil {
		slog.Warn("undecodable frame skipped", "error", err)
		return &Unknown{Raw: data}, nil
	}
	return v, nil
}

// Close sends a best-effort stream close and shuts the socket down.
// Safe to call multiple times and concurrently with Receive, which will
// return an error once the socket is gone.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Send(ctx, &Close{})
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}
