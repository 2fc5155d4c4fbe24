package interfaces

import (
	"context"

	domaintypes "entropy/internal/domain/types"
)

// PreKeyDirectory publishes and fetches prekey bundles on the relay.
type PreKeyDirectory interface {
	RegisterPreKeyBundle(ctx context.Context, bundle domaintypes.PreKeyBundle) error
	FetchPreKeyBundle(ctx context.Context, peer domaintypes.PeerID) (domaintypes.PreKeyBundle, error)
}
