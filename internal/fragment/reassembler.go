package fragment

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"

	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/wire"
)

// Options bounds the reassembly table. Zero values take the defaults.
type Options struct {
	StaleAfter time.Duration
	MaxChunks  int
}

func (o *Options) setDefaults() {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.MaxChunks <= 0 {
		o.MaxChunks = 4096
	}
}

// EmitFunc receives a reassembled envelope as if it had arrived whole from
// sender.
type EmitFunc func(sender domain.PeerID, payload []byte)

// assemblyKey scopes fragment ids to their sender, so two peers picking the
// same id never share an assembly.
type assemblyKey struct {
	sender domain.PeerID
	id     string
}

type assembly struct {
	sender  domain.PeerID
	total   int
	chunks  map[int][]byte
	created time.Time
}

// Reassembler owns in-progress assemblies keyed by sender and fragment id.
// It is loop-confined.
type Reassembler struct {
	loop *eventloop.Loop
	log  *logrus.Entry
	opts Options
	emit EmitFunc

	assemblies map[assemblyKey]*assembly
	sweep      *eventloop.Timer
}

// New returns an empty Reassembler that hands completed envelopes to emit.
func New(loop *eventloop.Loop, log *logrus.Entry, opts Options, emit EmitFunc) *Reassembler {
	opts.setDefaults()
	return &Reassembler{
		loop:       loop,
		log:        log.WithField("component", "fragment"),
		opts:       opts,
		emit:       emit,
		assemblies: make(map[assemblyKey]*assembly),
	}
}

// OnChunk records one chunk. When every index below total is present the
// chunks are joined and emitted on a later loop turn.
func (r *Reassembler) OnChunk(sender domain.PeerID, f wire.Fragment) {
	log := r.log.WithFields(logrus.Fields{"peer": sender, "fragment_id": f.ID, "index": f.Index, "total": f.Total})
	if f.Total < 1 || f.Total > r.opts.MaxChunks {
		log.Warn("dropping chunk with out-of-range total")
		return
	}
	if f.Index < 0 || f.Index >= r.opts.MaxChunks {
		log.Warn("dropping chunk with out-of-range index")
		return
	}

	key := assemblyKey{sender: sender, id: f.ID}
	a, ok := r.assemblies[key]
	if !ok {
		a = &assembly{
			sender:  sender,
			total:   f.Total,
			chunks:  make(map[int][]byte, f.Total),
			created: r.loop.Now(),
		}
		r.assemblies[key] = a
		r.scheduleSweep()
	}
	if a.total != f.Total {
		log.WithField("expected", a.total).Warn("dropping chunk that disagrees on total")
		return
	}
	if _, dup := a.chunks[f.Index]; dup {
		log.Debug("duplicate chunk ignored")
		return
	}
	a.chunks[f.Index] = f.Data

	if len(a.chunks) < a.total {
		return
	}
	r.complete(key, a, log)
}

func (r *Reassembler) complete(key assemblyKey, a *assembly, log *logrus.Entry) {
	var buf bytes.Buffer
	for i := 0; i < a.total; i++ {
		chunk, ok := a.chunks[i]
		if !ok {
			log.WithField("missing", i).Error("fragment has a gap; keeping assembly")
			return
		}
		buf.Write(chunk)
	}
	delete(r.assemblies, key)
	if len(r.assemblies) == 0 && r.sweep != nil {
		r.sweep.Stop()
		r.sweep = nil
	}

	sender, payload := a.sender, buf.Bytes()
	log.WithField("bytes", len(payload)).Debug("fragment reassembled")
	r.loop.Post(func() { r.emit(sender, payload) })
}

// Sweep drops assemblies older than the staleness window and returns how
// many were dropped.
func (r *Reassembler) Sweep() int {
	now := r.loop.Now()
	dropped := 0
	for key, a := range r.assemblies {
		if now.Sub(a.created) > r.opts.StaleAfter {
			r.log.WithFields(logrus.Fields{
				"peer":        key.sender,
				"fragment_id": key.id,
				"received":    len(a.chunks),
				"total":       a.total,
			}).Warn("dropping stale fragment")
			delete(r.assemblies, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of assemblies in progress.
func (r *Reassembler) Len() int { return len(r.assemblies) }

func (r *Reassembler) scheduleSweep() {
	if r.sweep != nil {
		return
	}
	r.sweep = r.loop.AfterFunc(r.opts.StaleAfter/2, func() {
		r.sweep = nil
		r.Sweep()
		if len(r.assemblies) > 0 {
			r.scheduleSweep()
		}
	})
}
