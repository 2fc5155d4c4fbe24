package wire_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/domain"
	"entropy/internal/wire"
)

var alice = domain.PeerID(strings.Repeat("ab", 32))

func TestEncodeBinary(t *testing.T) {
	tests := []struct {
		name    string
		to      domain.PeerID
		wantErr bool
	}{
		{"plain", alice, false},
		{"device suffix", alice + ".2", false},
		{"short", alice[:63], true},
		{"long", alice + "a", true},
		{"not hex", domain.PeerID(strings.Repeat("zz", 32)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := wire.EncodeBinary(tt.to, []byte("ct"))
			if tt.wantErr {
				require.ErrorIs(t, err, wire.ErrBadRecipient)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, string(alice)+"ct", string(out))
		})
	}
}

func TestDecodeBinary_TrimsPadding(t *testing.T) {
	raw := append([]byte(string(alice)+`{"type":1}`), 0, 0, 0, 0)
	f := wire.DecodeBinary(raw)
	assert.Equal(t, alice, f.Sender)
	assert.Equal(t, `{"type":1}`, string(f.Payload))
}

func TestDecodeBinary_NoPrefix(t *testing.T) {
	f := wire.DecodeBinary([]byte("{\"type\":1}\x00"))
	assert.Empty(t, f.Sender)
	assert.Equal(t, `{"type":1}`, string(f.Payload))
}

func TestParseControl(t *testing.T) {
	c, err := wire.ParseControl([]byte(`{"type":"presence_query","req_id":"r1","error":false,"n":3}`))
	require.NoError(t, err)
	assert.Equal(t, "presence_query", c.Type)
	assert.Equal(t, "r1", c.ReqID)
	assert.False(t, c.IsError())
	assert.True(t, c.Has("n"))
	assert.Equal(t, "", c.String("n"))

	for _, bad := range []string{`[1]`, `"x"`, `{"type":1}`, `{}`, `nope`} {
		_, err := wire.ParseControl([]byte(bad))
		assert.ErrorIs(t, err, wire.ErrNotControl, bad)
	}
}

func TestControlIsError(t *testing.T) {
	for raw, want := range map[string]bool{
		`{"type":"x"}`:                        false,
		`{"type":"x","error":null}`:           false,
		`{"type":"x","error":""}`:             false,
		`{"type":"x","error":true}`:           true,
		`{"type":"x","error":"bad"}`:          true,
		`{"type":"x","error":{"code":"nope"}}`: true,
	} {
		c, err := wire.ParseControl([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, want, c.IsError(), raw)
	}
}

func TestPayloadText_Aliases(t *testing.T) {
	for raw, want := range map[string]string{
		`{"type":"text_msg","content":"a"}`:       "a",
		`{"type":"group_message","body":"b"}`:     "b",
		`{"type":"group_message_v2","m":"c"}`:     "c",
		`{"type":"text_msg","content":"a","m":"c"}`: "a",
	} {
		p, err := wire.ParsePayload([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, want, p.Text())
	}
}

func TestPayloadReceiptIDs(t *testing.T) {
	p, err := wire.ParsePayload([]byte(`{"type":"receipt","msgId":"m1","status":"read"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, p.ReceiptIDs())

	p, err = wire.ParsePayload([]byte(`{"type":"receipt","msgIds":["a","b"],"msgId":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.ReceiptIDs())
}

func TestParsePayload_RejectsNonObject(t *testing.T) {
	_, err := wire.ParsePayload([]byte("hello"))
	require.ErrorIs(t, err, wire.ErrNotPayload)

	_, err = wire.ParsePayload([]byte(`{"type":7,"content":"x"}`))
	require.ErrorIs(t, err, wire.ErrNotPayload)
}

func TestParsePayload_WrongTypedOptionalFieldIgnored(t *testing.T) {
	p, err := wire.ParsePayload([]byte(`{"type":"file","fileName":"a.txt","size":"12","data":"aGk=","id":"f1"}`))
	require.NoError(t, err)
	assert.Equal(t, wire.PayloadFile, p.Type)
	assert.Equal(t, "a.txt", p.FileName)
	assert.Equal(t, "f1", p.ID)
	assert.Zero(t, p.Size)
	data, ok := p.DataString()
	require.True(t, ok)
	assert.Equal(t, "aGk=", data)
}

func TestSignalPayload(t *testing.T) {
	sig := wire.Signal{Type: wire.SignalOffer, CallID: "c1", CallType: domain.MediaVideo, SDP: "v=0"}
	p, err := sig.Payload()
	require.NoError(t, err)
	b, err := p.Marshal()
	require.NoError(t, err)

	back, err := wire.ParsePayload(b)
	require.NoError(t, err)
	require.Equal(t, wire.PayloadSignaling, back.Type)
	got, err := wire.ParseSignal(back.Data)
	require.NoError(t, err)
	assert.Equal(t, sig, got)
}

func TestParseSignal_Rejects(t *testing.T) {
	for _, raw := range []string{
		`{"type":"offer"}`,
		`{"callId":"c1"}`,
		`{"type":"ice-candidate","callId":"c1"}`,
		`"offer"`,
	} {
		_, err := wire.ParseSignal([]byte(raw))
		assert.ErrorIs(t, err, wire.ErrBadSignal, raw)
	}
}

func TestParseFragment(t *testing.T) {
	c, err := wire.ParseControl([]byte(`{"type":"msg_fragment","fragmentId":"f","index":2,"total":3,"data":"aGk="}`))
	require.NoError(t, err)
	f, err := wire.ParseFragment(c)
	require.NoError(t, err)
	assert.Equal(t, wire.Fragment{ID: "f", Index: 2, Total: 3, Data: []byte("hi")}, f)

	c, err = wire.ParseControl([]byte(`{"type":"msg_fragment","fragmentId":"f","index":2,"data":"aGk="}`))
	require.NoError(t, err)
	_, err = wire.ParseFragment(c)
	require.ErrorIs(t, err, wire.ErrBadFragment)

	c, err = wire.ParseControl([]byte(`{"type":"msg_fragment","fragmentId":"f","index":0,"total":1,"data":"%%"}`))
	require.NoError(t, err)
	_, err = wire.ParseFragment(c)
	require.ErrorIs(t, err, wire.ErrBadFragment)
}
