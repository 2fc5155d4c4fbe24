package fragment

import (
	"github.com/google/uuid"

	"entropy/internal/wire"
)

// DefaultChunkSize is the largest envelope sent in one frame.
const DefaultChunkSize = 100 * 1024

// Split cuts payload into chunks of at most chunkSize bytes under a fresh
// fragment id. A payload that fits returns nil.
func Split(payload []byte, chunkSize int) []wire.Fragment {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(payload) <= chunkSize {
		return nil
	}
	total := (len(payload) + chunkSize - 1) / chunkSize
	id := uuid.NewString()
	out := make([]wire.Fragment, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*chunkSize, len(payload))
		out = append(out, wire.Fragment{
			ID:    id,
			Index: i,
			Total: total,
			Data:  payload[i*chunkSize : end],
		})
	}
	return out
}
