package commands

import (
	"fmt"
	"io"
	"time"

	"entropy/internal/domain"
)

// printer renders client events on the terminal. Notify runs on the client's
// event loop and must not call back into the client.
type printer struct {
	out     io.Writer
	quiet   bool
	updates chan domain.MessageUpdated
	calls   chan domain.CallStateChanged
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		updates: make(chan domain.MessageUpdated, 64),
		calls:   make(chan domain.CallStateChanged, 16),
	}
}

func (p *printer) Notify(ev domain.Event) {
	switch e := ev.(type) {
	case domain.MessageAppended:
		if !e.Message.Mine && !p.quiet {
			fmt.Fprintf(p.out, "%s [%s] %s\n", e.Message.Timestamp.Format(time.Kitchen), short(e.Conversation), render(e.Message))
		}
	case domain.MessageUpdated:
		select {
		case p.updates <- e:
		default:
		}
	case domain.TypingChanged:
		if e.Typing && !p.quiet {
			fmt.Fprintf(p.out, "[%s] is typing...\n", short(e.Peer))
		}
	case domain.PresenceChanged:
		if !p.quiet {
			state := "offline"
			if e.Online {
				state = "online"
			}
			fmt.Fprintf(p.out, "[%s] is %s\n", short(e.Peer), state)
		}
	case domain.ProfileChanged:
		if !p.quiet {
			fmt.Fprintf(p.out, "[%s] is now known as %q\n", short(e.Peer), e.Alias)
		}
	case domain.CallStateChanged:
		fmt.Fprintf(p.out, "call %s with [%s]: %s\n", e.Direction, short(e.Peer), e.Status)
		select {
		case p.calls <- e:
		default:
		}
	case domain.ConnectionStatusChanged:
		log.WithField("status", e.Status).Debug("relay connection")
	}
}

func render(m domain.Message) string {
	switch m.Kind {
	case domain.KindFile, domain.KindVoiceNote:
		if m.Attachment != nil {
			return fmt.Sprintf("<%s %s, %d bytes>", m.Kind, m.Attachment.FileName, m.Attachment.Size)
		}
	case domain.KindSystem:
		return "!! " + m.Content
	}
	return m.Content
}

func short(p domain.PeerID) string {
	if len(p) > 12 {
		return string(p[:12])
	}
	return string(p)
}
