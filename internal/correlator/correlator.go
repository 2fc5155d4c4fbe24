// Package correlator matches control requests to their replies by req_id.
package correlator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"entropy/internal/eventloop"
	"entropy/internal/wire"
)

// ErrRequestTimeout rejects a request whose reply did not arrive in time.
var ErrRequestTimeout = errors.New("request timed out")

// DefaultTimeout applies when Request is given a zero timeout.
const DefaultTimeout = 10 * time.Second

// RequestError is an error reply from the relay.
type RequestError struct {
	Type    string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Sender transmits control frames.
type Sender interface {
	SendControl(m wire.Message)
}

// Result is the outcome of a request. Exactly one is delivered.
type Result struct {
	Reply wire.Control
	Err   error
}

type pending struct {
	typ   string
	reply chan Result
	timer *eventloop.Timer
}

// Correlator owns the pending request table. It is loop-confined.
type Correlator struct {
	loop    *eventloop.Loop
	sender  Sender
	log     *logrus.Entry
	pending map[string]*pending
}

// New returns a Correlator that writes requests through sender.
func New(loop *eventloop.Loop, sender Sender, log *logrus.Entry) *Correlator {
	return &Correlator{
		loop:    loop,
		sender:  sender,
		log:     log.WithField("component", "correlator"),
		pending: make(map[string]*pending),
	}
}

// Request sends msg with a fresh req_id and returns a channel that receives
// the reply or a rejection.
func (c *Correlator) Request(msg wire.Message, timeout time.Duration) <-chan Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := uuid.NewString()
	p := &pending{typ: msg.Type(), reply: make(chan Result, 1)}
	p.timer = c.loop.AfterFunc(timeout, func() {
		if c.pending[id] != p {
			return
		}
		delete(c.pending, id)
		c.log.WithFields(logrus.Fields{"req_id": id, "type": p.typ}).Warn("request timed out")
		p.reply <- Result{Err: fmt.Errorf("%s: %w", p.typ, ErrRequestTimeout)}
	})
	c.pending[id] = p

	out := wire.Message{}
	for k, v := range msg {
		out[k] = v
	}
	c.sender.SendControl(out.With(wire.CorrelationField, id))
	return p.reply
}

// Resolve settles the request that reply answers. It reports false when no
// request with that id is pending.
func (c *Correlator) Resolve(reply wire.Control) bool {
	p, ok := c.pending[reply.ReqID]
	if !ok {
		return false
	}
	delete(c.pending, reply.ReqID)
	p.timer.Stop()

	if reply.IsError() {
		p.reply <- Result{Reply: reply, Err: requestError(p.typ, reply)}
		return true
	}
	p.reply <- Result{Reply: reply}
	return true
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int { return len(c.pending) }

func requestError(typ string, reply wire.Control) *RequestError {
	e := &RequestError{Type: typ, Code: reply.String("code"), Message: reply.String("message")}
	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if reply.Decode("error", &detail) == nil {
		if e.Code == "" {
			e.Code = detail.Code
		}
		if e.Message == "" {
			e.Message = detail.Message
		}
	} else if s := reply.String("error"); s != "" && e.Message == "" {
		e.Message = s
	}
	if e.Message == "" {
		e.Message = "request failed"
	}
	return e
}
