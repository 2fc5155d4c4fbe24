package transport

import (
	"context"
)

// Conn is a message-oriented connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to the relay.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// link is an open connection with its writer goroutine.
type link struct {
	conn Conn
	out  chan frame
	done chan struct{}
}

func newLink(c Conn, buffer int) *link {
	return &link{
		conn: c,
		out:  make(chan frame, buffer),
		done: make(chan struct{}),
	}
}

// enqueue hands f to the writer without blocking.
func (l *link) enqueue(f frame) bool {
	select {
	case l.out <- f:
		return true
	default:
		return false
	}
}

// writeLoop writes queued frames until the link closes or a write fails.
// onWritten runs after each successful write. onExit runs once when the
// writer stops, with the frame whose write failed and the error, if any.
func (l *link) writeLoop(onWritten func(), onExit func(failed []frame, err error)) {
	for {
		select {
		case <-l.done:
			onExit(nil, nil)
			return
		case f := <-l.out:
			if err := l.conn.WriteMessage(f.kind, f.data); err != nil {
				onExit([]frame{f}, err)
				return
			}
			onWritten()
		}
	}
}

// pending removes the frames the writer never picked up. Call it from the
// loop after the writer has stopped.
func (l *link) pending() []frame {
	var out []frame
	for {
		select {
		case f := <-l.out:
			out = append(out, f)
		default:
			return out
		}
	}
}

// readLoop delivers frames until the connection fails.
func (l *link) readLoop(onFrame func(frame), onError func(error)) {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			onError(err)
			return
		}
		onFrame(frame{kind: kind, data: data})
	}
}

func (l *link) close() {
	close(l.done)
	_ = l.conn.Close()
}
