package correlator_test

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/correlator"
	"entropy/internal/eventloop"
	"entropy/internal/wire"
)

type sentLog struct{ msgs []wire.Message }

func (s *sentLog) SendControl(m wire.Message) { s.msgs = append(s.msgs, m) }

func setup(t *testing.T) (*correlator.Correlator, *sentLog, *eventloop.Loop, *clockwork.FakeClock) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	clock := clockwork.NewFakeClock()
	loop := eventloop.New(clock, logrus.NewEntry(log))
	sent := &sentLog{}
	return correlator.New(loop, sent, logrus.NewEntry(log)), sent, loop, clock
}

func reply(t *testing.T, fields map[string]any) wire.Control {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	c, err := wire.ParseControl(b)
	require.NoError(t, err)
	return c
}

func reqID(m wire.Message) string { return m[wire.CorrelationField].(string) }

func TestRequest_ResolvesOnMatchingReply(t *testing.T) {
	c, sent, _, _ := setup(t)

	res := c.Request(wire.NewMessage("presence_query").With("peers", []string{"x"}), time.Second)
	require.Len(t, sent.msgs, 1)
	id := reqID(sent.msgs[0])
	assert.Len(t, id, 36)
	assert.Equal(t, 1, c.Pending())

	assert.False(t, c.Resolve(reply(t, map[string]any{"type": "presence_result", "req_id": "other"})))
	require.True(t, c.Resolve(reply(t, map[string]any{"type": "presence_result", "req_id": id, "online": []string{"x"}})))

	r := <-res
	require.NoError(t, r.Err)
	assert.True(t, r.Reply.Has("online"))
	assert.Equal(t, 0, c.Pending())
}

func TestRequest_IDsAreUnique(t *testing.T) {
	c, sent, _, _ := setup(t)
	c.Request(wire.NewMessage("a"), time.Second)
	c.Request(wire.NewMessage("a"), time.Second)
	assert.NotEqual(t, reqID(sent.msgs[0]), reqID(sent.msgs[1]))
}

func TestRequest_DoesNotMutateCallerMessage(t *testing.T) {
	c, _, _, _ := setup(t)
	msg := wire.NewMessage("a")
	c.Request(msg, time.Second)
	_, ok := msg[wire.CorrelationField]
	assert.False(t, ok)
}

func TestRequest_TimeoutThenLateReplyIsIgnored(t *testing.T) {
	c, sent, loop, clock := setup(t)

	res := c.Request(wire.NewMessage("presence_query"), time.Second)
	id := reqID(sent.msgs[0])

	clock.Advance(time.Second)
	loop.Settle()
	r := <-res
	require.ErrorIs(t, r.Err, correlator.ErrRequestTimeout)
	assert.Contains(t, r.Err.Error(), "presence_query")

	assert.False(t, c.Resolve(reply(t, map[string]any{"type": "x", "req_id": id})))
	select {
	case extra := <-res:
		t.Fatalf("second result delivered: %+v", extra)
	default:
	}
}

func TestRequest_ReplyBeforeTimeoutCancelsTimer(t *testing.T) {
	c, sent, loop, clock := setup(t)

	res := c.Request(wire.NewMessage("a"), time.Second)
	require.True(t, c.Resolve(reply(t, map[string]any{"type": "a", "req_id": reqID(sent.msgs[0])})))
	require.NoError(t, (<-res).Err)

	clock.Advance(time.Hour)
	loop.Settle()
	select {
	case extra := <-res:
		t.Fatalf("timeout fired after resolve: %+v", extra)
	default:
	}
}

func TestRequest_ErrorReplies(t *testing.T) {
	tests := []struct {
		name  string
		extra map[string]any
		want  correlator.RequestError
	}{
		{"bool", map[string]any{"error": true}, correlator.RequestError{Type: "a", Message: "request failed"}},
		{"string", map[string]any{"error": "no such peer"}, correlator.RequestError{Type: "a", Message: "no such peer"}},
		{"object", map[string]any{"error": map[string]string{"code": "rate", "message": "slow down"}},
			correlator.RequestError{Type: "a", Code: "rate", Message: "slow down"}},
		{"top level code", map[string]any{"error": true, "code": "auth", "message": "nope"},
			correlator.RequestError{Type: "a", Code: "auth", Message: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sent, _, _ := setup(t)
			res := c.Request(wire.NewMessage("a"), time.Second)

			fields := map[string]any{"type": "a_result", "req_id": reqID(sent.msgs[0])}
			for k, v := range tt.extra {
				fields[k] = v
			}
			require.True(t, c.Resolve(reply(t, fields)))

			var reqErr *correlator.RequestError
			require.ErrorAs(t, (<-res).Err, &reqErr)
			assert.Equal(t, tt.want, *reqErr)
		})
	}
}

func TestRequest_FalseErrorFieldResolves(t *testing.T) {
	c, sent, _, _ := setup(t)
	res := c.Request(wire.NewMessage("a"), time.Second)
	require.True(t, c.Resolve(reply(t, map[string]any{"type": "a", "req_id": reqID(sent.msgs[0]), "error": false})))
	require.NoError(t, (<-res).Err)
}
