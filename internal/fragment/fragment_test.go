package fragment_test

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/domain"
	"entropy/internal/eventloop"
	"entropy/internal/fragment"
	"entropy/internal/wire"
)

var (
	carol = domain.PeerID(strings.Repeat("c3", 32))
	dave  = domain.PeerID(strings.Repeat("d4", 32))
)

type emitted struct {
	sender  domain.PeerID
	payload []byte
}

type fixture struct {
	loop  *eventloop.Loop
	clock *clockwork.FakeClock
	r     *fragment.Reassembler
	out   []emitted
}

func newFixture(opts fragment.Options) *fixture {
	log := logrus.New()
	log.SetOutput(io.Discard)
	f := &fixture{clock: clockwork.NewFakeClock()}
	f.loop = eventloop.New(f.clock, logrus.NewEntry(log))
	f.r = fragment.New(f.loop, logrus.NewEntry(log), opts, func(s domain.PeerID, p []byte) {
		f.out = append(f.out, emitted{s, p})
	})
	return f
}

func chunk(id string, i, total int, data string) wire.Fragment {
	return wire.Fragment{ID: id, Index: i, Total: total, Data: []byte(data)}
}

func TestReassemble_AnyOrder(t *testing.T) {
	payload := make([]byte, 10_000)
	rand.New(rand.NewSource(1)).Read(payload)

	for seed := int64(0); seed < 20; seed++ {
		f := newFixture(fragment.Options{})
		chunks := fragment.Split(payload, 333)
		require.Len(t, chunks, 31)

		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
		for _, c := range chunks {
			f.r.OnChunk(carol, c)
		}
		assert.Empty(t, f.out, "emission happens on a later loop turn")
		f.loop.Settle()

		require.Len(t, f.out, 1, "seed %d", seed)
		assert.Equal(t, carol, f.out[0].sender)
		assert.True(t, bytes.Equal(payload, f.out[0].payload), "seed %d", seed)
		assert.Equal(t, 0, f.r.Len())
	}
}

func TestReassemble_DuplicateChunkIgnored(t *testing.T) {
	f := newFixture(fragment.Options{})

	f.r.OnChunk(carol, chunk("f1", 0, 2, "ab"))
	f.r.OnChunk(carol, chunk("f1", 0, 2, "XX"))
	f.loop.Settle()
	assert.Empty(t, f.out)
	assert.Equal(t, 1, f.r.Len())

	f.r.OnChunk(carol, chunk("f1", 1, 2, "cd"))
	f.loop.Settle()
	require.Len(t, f.out, 1)
	assert.Equal(t, "abcd", string(f.out[0].payload))
}

func TestReassemble_SameIDFromTwoSendersKeptApart(t *testing.T) {
	f := newFixture(fragment.Options{})

	f.r.OnChunk(carol, chunk("f1", 0, 2, "ca"))
	f.r.OnChunk(dave, chunk("f1", 1, 2, "XX"))
	f.loop.Settle()
	assert.Empty(t, f.out)
	assert.Equal(t, 2, f.r.Len())

	f.r.OnChunk(carol, chunk("f1", 1, 2, "rol"))
	f.r.OnChunk(dave, chunk("f1", 0, 2, "da"))
	f.loop.Settle()
	require.Len(t, f.out, 2)
	assert.Equal(t, emitted{carol, []byte("carol")}, f.out[0])
	assert.Equal(t, emitted{dave, []byte("daXX")}, f.out[1])
	assert.Equal(t, 0, f.r.Len())
}

func TestReassemble_RejectsBadChunks(t *testing.T) {
	f := newFixture(fragment.Options{MaxChunks: 8})

	f.r.OnChunk(carol, chunk("a", 0, 0, "x"))
	f.r.OnChunk(carol, chunk("b", 0, 9, "x"))
	f.r.OnChunk(carol, chunk("c", -1, 2, "x"))
	f.r.OnChunk(carol, chunk("d", 8, 2, "x"))
	assert.Equal(t, 0, f.r.Len())

	f.r.OnChunk(carol, chunk("e", 0, 2, "x"))
	f.r.OnChunk(carol, chunk("e", 1, 3, "y"))
	f.loop.Settle()
	assert.Empty(t, f.out, "chunk disagreeing on total must not complete the assembly")
	assert.Equal(t, 1, f.r.Len())
}

func TestReassemble_GapAtCompletionKeepsAssembly(t *testing.T) {
	f := newFixture(fragment.Options{})

	for i := 0; i < 300; i++ {
		if i == 150 {
			continue
		}
		f.r.OnChunk(carol, chunk("big", i, 300, "x"))
	}
	// a stray index past the end brings the count to total with 150 missing
	f.r.OnChunk(carol, chunk("big", 300, 300, "x"))
	f.loop.Settle()

	assert.Empty(t, f.out)
	assert.Equal(t, 1, f.r.Len())

	f.r.OnChunk(carol, chunk("big", 150, 300, "x"))
	f.loop.Settle()
	require.Len(t, f.out, 1)
	assert.Equal(t, strings.Repeat("x", 300), string(f.out[0].payload))
	assert.Equal(t, 0, f.r.Len())
}

func TestSweep_DropsStaleAssemblies(t *testing.T) {
	f := newFixture(fragment.Options{StaleAfter: 2 * time.Minute})

	f.r.OnChunk(carol, chunk("old", 0, 2, "x"))
	f.clock.Advance(90 * time.Second)
	f.loop.Settle()
	f.r.OnChunk(carol, chunk("new", 0, 2, "x"))

	f.clock.Advance(60 * time.Second)
	f.loop.Settle()
	assert.Equal(t, 1, f.r.Len(), "old is gone, new is still young")

	f.clock.Advance(3 * time.Minute)
	f.loop.Settle()
	assert.Equal(t, 0, f.r.Len())

	f.r.OnChunk(carol, chunk("old", 1, 2, "y"))
	f.loop.Settle()
	assert.Empty(t, f.out, "late chunk of a swept assembly starts a new one")
	assert.Equal(t, 1, f.r.Len())
}

func TestSplit(t *testing.T) {
	assert.Nil(t, fragment.Split([]byte("small"), 10))

	chunks := fragment.Split([]byte("0123456789abc"), 5)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, chunks[0].ID, c.ID)
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 3, c.Total)
	}
	assert.Equal(t, "abc", string(chunks[2].Data))
}
