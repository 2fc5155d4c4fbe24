package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"entropy/internal/transport"
)

// ErrClosed reports a relay connection that was closed by either side.
var ErrClosed = errors.New("relay: connection closed")

const (
	maxFrameSize = 4 << 20
	closeGrace   = time.Second
)

// Dialer opens websocket connections to the relay.
type Dialer struct {
	ws     *websocket.Dialer
	header http.Header
	log    *logrus.Entry
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a websocket Dialer.
func NewDialer(log *logrus.Entry) *Dialer {
	return &Dialer{
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		header: http.Header{"User-Agent": []string{"entropy"}},
		log:    log.WithField("component", "relay"),
	}
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	c, resp, err := d.ws.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("relay dial %s: %w", url, err)
	}
	c.SetReadLimit(maxFrameSize)
	d.log.WithField("url", url).Debug("websocket open")
	return &conn{c: c, log: d.log}, nil
}

type conn struct {
	c   *websocket.Conn
	log *logrus.Entry
}

func (c *conn) ReadMessage() (int, []byte, error) {
	kind, b, err := c.c.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return 0, nil, ErrClosed
		}
		return 0, nil, err
	}
	return kind, b, nil
}

func (c *conn) WriteMessage(kind int, data []byte) error {
	return c.c.WriteMessage(kind, data)
}

// Close sends a normal-closure frame before dropping the socket.
func (c *conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		c.log.WithError(err).Debug("close frame not sent")
	}
	return c.c.Close()
}
