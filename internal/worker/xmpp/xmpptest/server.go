// Package xmpptest provides a fake upstream chat server for session
// and worker tests: it accepts one WebSocket connection, performs the
// stream handshake, and exposes the stanzas the client sends.
package xmpptest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/chatwarden/chatwarden/internal/worker/xmpp"
)

// Server fakes the upstream chat service.
type Server struct {
	// FailAuth makes the handshake answer SASL with not-authorized.
	FailAuth bool
	// Domain is echoed in the server stream open and bind result.
	Domain string

	t        *testing.T
	httpSrv  *httptest.Server
	received chan interface{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// New starts a fake upstream. Stanzas arriving after the handshake are
// exposed on Received.
func New(t *testing.T) *Server {
	s := &Server{
		t:        t,
		Domain:   "faceit.test",
		received: make(chan interface{}, 64),
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.CloseServer)
	return s
}

// URL returns the ws:// address of the fake upstream.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http")
}

// Received yields the client's post-handshake stanzas in order.
func (s *Server) Received() <-chan interface{} {
	return s.received
}

// Expect waits for the next post-handshake stanza.
func (s *Server) Expect(t *testing.T) interface{} {
	t.Helper()
	select {
	case v := <-s.received:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a stanza from the client")
		return nil
	}
}

// Send injects a server-to-client frame.
func (s *Server) Send(t *testing.T, frame string) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("server send: %v", err)
	}
}

// Disconnect drops the client connection without a close handshake.
func (s *Server) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "disconnect")
	}
}

// CloseServer tears down the fake upstream.
func (s *Server) CloseServer() {
	s.Disconnect()
	s.httpSrv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"xmpp"},
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	ctx := context.Background()
	authed := false
	bound := false

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		v, err := xmpp.Decode(data)
		if err != nil {
			continue
		}

		switch st := v.(type) {
		case *xmpp.Open:
			s.write(conn, fmt.Sprintf(`<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" from="%s" id="stream-1" version="1.0"/>`, s.Domain))
			if !authed {
				s.write(conn, `<features xmlns="http://etherx.jabber.org/streams"><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></features>`)
			} else {
				s.write(conn, `<features xmlns="http://etherx.jabber.org/streams"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/></features>`)
			}

		case *xmpp.SASLAuth:
			if s.FailAuth {
				s.write(conn, `<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized/></failure>`)
				continue
			}
			authed = true
			s.write(conn, `<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)

		case *xmpp.IQ:
			if st.Bind != nil && !bound {
				bound = true
				s.write(conn, fmt.Sprintf(
					`<iq type="result" id="%s"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>bot@%s/%s</jid></bind></iq>`,
					st.ID, s.Domain, st.Bind.Resource))
				continue
			}
			s.received <- v

		case *xmpp.Close:
			s.write(conn, `<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`)

		default:
			s.received <- v
		}
	}
}

func (s *Server) write(conn *websocket.Conn, frame string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
}
