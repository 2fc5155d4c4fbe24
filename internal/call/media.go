package call

import (
	"context"

	"entropy/internal/domain"
	"entropy/internal/wire"
)

// PeerEvents receives media events. Implementations may call it from any
// goroutine.
type PeerEvents interface {
	LocalCandidate(c wire.ICECandidate)
	RemoteTrack()
	Failed(err error)
}

// PeerLink is one peer connection with local media attached.
type PeerLink interface {
	// CreateOffer and CreateAnswer also set the local description.
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context) (sdp string, err error)
	// SetRemoteDescription takes wire.SignalOffer or wire.SignalAnswer.
	SetRemoteDescription(kind, sdp string) error
	AddICECandidate(c wire.ICECandidate) error
	Close() error
}

// MediaEngine acquires local media and opens peer links.
type MediaEngine interface {
	Open(ctx context.Context, kind domain.MediaKind, events PeerEvents) (PeerLink, error)
}
