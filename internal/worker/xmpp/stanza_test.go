package xmpp_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwarden/chatwarden/internal/worker/xmpp"
)

func TestDecode_ServerPing(t *testing.T) {
	frame := `<iq type="get" id="ping-1" from="faceit.test" to="bot@faceit.test/bot-7"><ping xmlns="urn:xmpp:ping"/></iq>`

	v, err := xmpp.Decode([]byte(frame))
	require.NoError(t, err)

	iq, ok := v.(*xmpp.IQ)
	require.True(t, ok)
	assert.Equal(t, "get", iq.Type)
	assert.Equal(t, "ping-1", iq.ID)
	require.NotNil(t, iq.Ping)
}

func TestDecode_MUCLightConfigResult(t *testing.T) {
	frame := `<iq type="result" id="q1" from="club-e1-general@conference.faceit.test">` +
		`<query xmlns="urn:xmpp:muclight:0#configuration">` +
		`<presence-group>club-e1@supergroup.faceit.test/general</presence-group>` +
		`</query></iq>`

	v, err := xmpp.Decode([]byte(frame))
	require.NoError(t, err)

	iq := v.(*xmpp.IQ)
	require.NotNil(t, iq.MUCLight)
	assert.Equal(t, "club-e1@supergroup.faceit.test/general", iq.MUCLight.PresenceGroup)
}

func TestDecode_RoomGoneError(t *testing.T) {
	frame := `<iq type="error" id="q2" from="club-eX-general@conference.faceit.test">` +
		`<error code="404" type="cancel"><item-not-found xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error></iq>`

	v, err := xmpp.Decode([]byte(frame))
	require.NoError(t, err)

	iq := v.(*xmpp.IQ)
	require.NotNil(t, iq.Error)
	assert.True(t, iq.Error.NotFound())
	assert.Equal(t, 404, iq.Error.Code)
}

func TestDecode_GroupchatWithAttachmentAndDelay(t *testing.T) {
	frame := `<message type="groupchat" id="m1" from="club-e1-general@conference.faceit.test/author-1">` +
		`<body>hello</body>` +
		`<x xmlns="msg:upload:1"><img id="att-9"/></x>` +
		`<delay xmlns="urn:xmpp:delay" stamp="2026-01-01T00:00:00Z"/>` +
		`</message>`

	v, err := xmpp.Decode([]byte(frame))
	require.NoError(t, err)

	msg := v.(*xmpp.Message)
	assert.Equal(t, "hello", msg.Body)
	require.NotNil(t, msg.Upload)
	assert.Equal(t, "att-9", msg.Upload.Img.ID)
	assert.True(t, msg.IsHistory())
}

func TestDecode_AddedMemberPresence(t *testing.T) {
	frame := `<presence from="club-e1-general@conference.faceit.test/new-user">` +
		`<x xmlns="http://jabber.org/protocol/muc#user">` +
		`<item affiliation="member" jid="new-user@faceit.test" role="participant"/>` +
		`</x></presence>`

	v, err := xmpp.Decode([]byte(frame))
	require.NoError(t, err)

	p := v.(*xmpp.Presence)
	assert.Equal(t, "new-user@faceit.test", p.AddedMember())
}

func TestDecode_UnavailablePresenceIsNotAdd(t *testing.T) {
	frame := `<presence type="unavailable" from="club-e1-general@conference.faceit.test/u">` +
		`<x><item affiliation="member" jid="u@faceit.test"/></x></presence>`

	v, err := xmpp.Decode([]byte(frame))
	require.NoError(t, err)

	p := v.(*xmpp.Presence)
	assert.Equal(t, "", p.AddedMember())
}

func TestDecode_StreamError(t *testing.T) {
	frame := `<error xmlns="http://etherx.jabber.org/streams"><system-shutdown xmlns="urn:ietf:params:xml:ns:xmpp-streams"/></error>`

	v, err := xmpp.Decode([]byte(frame))
	require.NoError(t, err)

	se := v.(*xmpp.StreamError)
	assert.True(t, se.Is("system-shutdown"))
}

func TestDecode_UnknownFrame(t *testing.T) {
	v, err := xmpp.Decode([]byte(`<weird xmlns="x:y"/>`))
	require.NoError(t, err)

	u, ok := v.(*xmpp.Unknown)
	require.True(t, ok)
	assert.Equal(t, "weird", u.Name.Local)
}

func TestMarshal_MUCLightConfigRequest(t *testing.T) {
	b, err := xmpp.Marshal(xmpp.NewMUCLightConfigRequest("q1", "club-e1-general@conference.faceit.test"))
	require.NoError(t, err)

	s := string(b)
	assert.Contains(t, s, `type="get"`)
	assert.Contains(t, s, `to="club-e1-general@conference.faceit.test"`)
	assert.Contains(t, s, `urn:xmpp:muclight:0#configuration`)
}

func TestMarshal_SupergroupSubscribe(t *testing.T) {
	b, err := xmpp.Marshal(xmpp.NewSupergroupSubscribe("q2", "club-e1@supergroup.faceit.test/general", true))
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `faceit:supergroup:group:0`)
	assert.Contains(t, s, `<subscribe set="true">`)

	b, err = xmpp.Marshal(xmpp.NewSupergroupSubscribe("q3", "club-e1@supergroup.faceit.test/general", false))
	require.NoError(t, err)
	assert.Contains(t, string(b), `set="false"`)
}

func TestMarshal_FeatureNotImplemented(t *testing.T) {
	req := &xmpp.IQ{Type: "get", ID: "x1", From: "faceit.test"}
	b, err := xmpp.Marshal(xmpp.NewFeatureNotImplemented(req))
	require.NoError(t, err)

	s := string(b)
	assert.Contains(t, s, `type="error"`)
	assert.Contains(t, s, `id="x1"`)
	assert.Contains(t, s, "feature-not-implemented")
}

func TestMarshal_GroupchatRoundTrip(t *testing.T) {
	out := xmpp.NewGroupchatMessage("m1", "club-e1-general@conference.faceit.test", "ten minute warning", "att-1")
	b, err := xmpp.Marshal(out)
	require.NoError(t, err)

	v, err := xmpp.Decode(b)
	require.NoError(t, err)
	in := v.(*xmpp.Message)
	assert.Equal(t, "ten minute warning", in.Body)
	assert.Equal(t, "groupchat", in.Type)
	require.NotNil(t, in.Upload)
	assert.Equal(t, "att-1", in.Upload.Img.ID)
}

func TestPlainCredentials(t *testing.T) {
	payload := xmpp.PlainCredentials("guid-1", "faceit.test", "tok")
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)

	parts := strings.Split(string(raw), "\x00")
	require.Len(t, parts, 3)
	assert.Equal(t, "guid-1@faceit.test", parts[0])
	assert.Equal(t, "guid-1", parts[1])
	assert.Equal(t, "tok", parts[2])
}
