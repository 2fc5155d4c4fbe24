package app

import (
	"io"

	"github.com/sirupsen/logrus"

	"entropy/internal/domain"
)

// NewLogger builds the root logger from the configured level and format.
func NewLogger(cfg Config, out io.Writer) (*logrus.Entry, error) {
	log := logrus.New()
	log.SetOutput(out)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(log), nil
}

// LogPresenter writes every event to the log. It is the presenter used when
// no UI is attached.
type LogPresenter struct {
	Log *logrus.Entry
}

func (p LogPresenter) Notify(ev domain.Event) {
	entry := p.Log.WithField("event", ev.EventName())
	switch e := ev.(type) {
	case domain.MessageAppended:
		entry.WithFields(logrus.Fields{
			"peer": e.Conversation,
			"id":   e.Message.ID,
			"kind": e.Message.Kind,
		}).Info(e.Message.Content)
	case domain.ConnectionStatusChanged:
		entry.WithField("status", e.Status).Info("connection")
	case domain.CallStateChanged:
		entry.WithFields(logrus.Fields{"call_id": e.CallID, "peer": e.Peer, "status": e.Status}).Info("call")
	default:
		entry.Debugf("%+v", ev)
	}
}
