package xmpp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Namespaces of the upstream dialect. Only the stanza shapes the worker
// must generate or recognize are modelled; everything else decodes to
// Unknown and is logged at debug.
const (
	NSFraming    = "urn:ietf:params:xml:ns:xmpp-framing"
	NSSASL       = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind       = "urn:ietf:params:xml:ns:xmpp-bind"
	NSStanzas    = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSPing       = "urn:xmpp:ping"
	NSDelay      = "urn:xmpp:delay"
	NSMUCLight   = "urn:xmpp:muclight:0#configuration"
	NSSupergroup = "faceit:supergroup:group:0"
	NSUpload     = "msg:upload:1"
)

// Open is the RFC 7395 stream-open frame.
type Open struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
}

// Close is the RFC 7395 stream-close frame.
type Close struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

// Features is a stream-features frame. The worker only cares that it
// arrived; the contents are not inspected.
type Features struct {
	XMLName xml.Name `xml:"features"`
	Inner   string   `xml:",innerxml"`
}

// SASLAuth carries the base64 SASL PLAIN payload.
type SASLAuth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Payload   string   `xml:",chardata"`
}

// SASLSuccess is a successful authentication frame.
type SASLSuccess struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl success"`
}

// SASLFailure is a failed authentication frame.
type SASLFailure struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl failure"`
	Inner   string   `xml:",innerxml"`
}

// NotAuthorized reports whether the failure carries <not-authorized/>.
func (f *SASLFailure) NotAuthorized() bool {
	return strings.Contains(f.Inner, "not-authorized")
}

// StreamError is a stream-level error frame (e.g. system-shutdown).
type StreamError struct {
	XMLName xml.Name `xml:"error"`
	Inner   string   `xml:",innerxml"`
}

// Is reports whether the stream error carries the named condition.
func (e *StreamError) Is(condition string) bool {
	return strings.Contains(e.Inner, condition)
}

// Bind is the resource-binding payload of an IQ.
type Bind struct {
	XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Resource string   `xml:"resource,omitempty"`
	JID      string   `xml:"jid,omitempty"`
}

// Ping is the urn:xmpp:ping payload.
type Ping struct {
	XMLName xml.Name `xml:"urn:xmpp:ping ping"`
}

// MUCLightQuery is the MUC-Light configuration query and its reply,
// which carries the room's presence-group.
type MUCLightQuery struct {
	XMLName       xml.Name `xml:"urn:xmpp:muclight:0#configuration query"`
	PresenceGroup string   `xml:"presence-group,omitempty"`
}

// SupergroupQuery is the supergroup subscribe/unsubscribe payload.
type SupergroupQuery struct {
	XMLName   xml.Name   `xml:"faceit:supergroup:group:0 query"`
	Subscribe *Subscribe `xml:"subscribe,omitempty"`
}

// Subscribe toggles a supergroup subscription.
type Subscribe struct {
	XMLName xml.Name `xml:"subscribe"`
	Set     string   `xml:"set,attr"`
}

// StanzaError is the <error/> child of an iq/message/presence stanza.
type StanzaError struct {
	XMLName xml.Name `xml:"error"`
	Code    int      `xml:"code,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`
	Inner   string   `xml:",innerxml"`
}

// Is reports whether the error carries the named defined condition.
func (e *StanzaError) Is(condition string) bool {
	return strings.Contains(e.Inner, condition)
}

// NotFound reports whether the error means the target room is gone.
func (e *StanzaError) NotFound() bool {
	return e.Code == 404 || e.Is("item-not-found")
}

// IQ is an info/query stanza.
type IQ struct {
	XMLName    xml.Name         `xml:"iq"`
	Type       string           `xml:"type,attr"`
	ID         string           `xml:"id,attr,omitempty"`
	From       string           `xml:"from,attr,omitempty"`
	To         string           `xml:"to,attr,omitempty"`
	Ping       *Ping            `xml:"urn:xmpp:ping ping,omitempty"`
	Bind       *Bind            `xml:"urn:ietf:params:xml:ns:xmpp-bind bind,omitempty"`
	MUCLight   *MUCLightQuery   `xml:"urn:xmpp:muclight:0#configuration query,omitempty"`
	Supergroup *SupergroupQuery `xml:"faceit:supergroup:group:0 query,omitempty"`
	Error      *StanzaError     `xml:"error,omitempty"`
}

// Delay marks a history replay per urn:xmpp:delay.
type Delay struct {
	XMLName xml.Name `xml:"urn:xmpp:delay delay"`
	Stamp   string   `xml:"stamp,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
}

// Upload is the attachment extension of a message.
type Upload struct {
	XMLName xml.Name `xml:"msg:upload:1 x"`
	Img     *Img     `xml:"img,omitempty"`
}

// Img references an uploaded attachment by id.
type Img struct {
	XMLName xml.Name `xml:"img"`
	ID      string   `xml:"id,attr"`
}

// Message is a chat or groupchat message stanza.
type Message struct {
	XMLName xml.Name     `xml:"message"`
	Type    string       `xml:"type,attr,omitempty"`
	ID      string       `xml:"id,attr,omitempty"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Body    string       `xml:"body,omitempty"`
	Delay   *Delay       `xml:"urn:xmpp:delay delay,omitempty"`
	Upload  *Upload      `xml:"msg:upload:1 x,omitempty"`
	Error   *StanzaError `xml:"error,omitempty"`
}

// IsHistory reports whether the message is a delay-tagged history replay.
func (m *Message) IsHistory() bool {
	return m.Delay != nil
}

// MUCItem is a member entry inside a presence's x payload.
type MUCItem struct {
	XMLName     xml.Name `xml:"item"`
	Affiliation string   `xml:"affiliation,attr,omitempty"`
	Role        string   `xml:"role,attr,omitempty"`
	JID         string   `xml:"jid,attr,omitempty"`
}

// PresenceX is the muc#user style payload of a presence.
type PresenceX struct {
	XMLName xml.Name  `xml:"x"`
	Items   []MUCItem `xml:"item"`
}

// Presence is a presence stanza.
type Presence struct {
	XMLName xml.Name   `xml:"presence"`
	Type    string     `xml:"type,attr,omitempty"`
	ID      string     `xml:"id,attr,omitempty"`
	From    string     `xml:"from,attr,omitempty"`
	To      string     `xml:"to,attr,omitempty"`
	X       *PresenceX `xml:"x,omitempty"`
}

// AddedMember returns the JID of a member newly added to the room, or
// "" when the presence is not an added-as-member notification. This is
// the shape that triggers welcome messages.
func (p *Presence) AddedMember() string {
	if p.Type != "" || p.X == nil {
		return ""
	}
	for _, item := range p.X.Items {
		if item.Affiliation == "member" && item.JID != "" {
			return item.JID
		}
	}
	return ""
}

// Unknown is any frame the worker does not model.
type Unknown struct {
	Name xml.Name
	Raw  []byte
}

// Decode parses one WebSocket frame into its typed stanza.
func Decode(frame []byte) (interface{}, error) {
	name, err := rootName(frame)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var v interface{}
	switch name.Local {
	case "open":
		v = &Open{}
	case "close":
		v = &Close{}
	case "features":
		v = &Features{}
	case "auth":
		v = &SASLAuth{}
	case "success":
		v = &SASLSuccess{}
	case "failure":
		v = &SASLFailure{}
	case "error":
		v = &StreamError{}
	case "iq":
		v = &IQ{}
	case "message":
		v = &Message{}
	case "presence":
		v = &Presence{}
	default:
		return &Unknown{Name: name, Raw: frame}, nil
	}

	if err := xml.Unmarshal(frame, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name.Local, err)
	}
	return v, nil
}

// Marshal serializes a stanza for the wire.
func Marshal(v interface{}) ([]byte, error) {
	return xml.Marshal(v)
}

func rootName(frame []byte) (xml.Name, error) {
	dec := xml.NewDecoder(bytes.NewReader(frame))
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.Name{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name, nil
		}
	}
}
