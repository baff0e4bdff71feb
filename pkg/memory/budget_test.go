package memory

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQuery replays a fixed sequence of availability answers, repeating the
// last one, and counts collection requests.
type fakeQuery struct {
	free    []uint64
	idx     int
	gcCalls int
}

func (q *fakeQuery) FreeBytes() uint64 {
	v := q.free[q.idx]
	if q.idx < len(q.free)-1 {
		q.idx++
	}
	return v
}

func (q *fakeQuery) RequestGC() { q.gcCalls++ }

func TestCheckOpeningPlane(t *testing.T) {
	t.Parallel()

	b := &Budget{Log: zerolog.Nop()}

	// 46340^2 = 2147395600 is the largest square plane under the 2^31 limit
	pixels, err := b.CheckOpeningPlane(0, 46340, 46340)
	require.NoError(t, err)
	assert.Equal(t, int64(46340)*46340, pixels)

	_, err = b.CheckOpeningPlane(0, 46341, 46341)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestCheckOpeningPlaneResolutionAdjusts(t *testing.T) {
	t.Parallel()

	b := &Budget{Log: zerolog.Nop()}

	// one halving step divides the sample count by four
	_, err := b.CheckOpeningPlane(1, 92682, 92682)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	pixels, err := b.CheckOpeningPlane(2, 92682, 92682)
	require.NoError(t, err)
	assert.LessOrEqual(t, pixels, MaxPlaneSamples)
}

func TestCheckOpeningFits(t *testing.T) {
	t.Parallel()

	q := &fakeQuery{free: []uint64{1 << 30}}
	b := &Budget{Query: q, Margin: 1, Log: zerolog.Nop()}

	err := b.CheckOpening(0, 100, 100, 1, 1, 1, 1, 0)
	require.NoError(t, err)
	assert.Zero(t, q.gcCalls, "no collection pass when the volume fits")
}

func TestCheckOpeningRetriesAfterGC(t *testing.T) {
	t.Parallel()

	// first answer too small, second (post-GC) large enough
	q := &fakeQuery{free: []uint64{1000, 1 << 30}}
	b := &Budget{Query: q, Margin: 1, Log: zerolog.Nop()}

	err := b.CheckOpening(0, 100, 100, 1, 1, 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, q.gcCalls)
}

func TestCheckOpeningOutOfMemory(t *testing.T) {
	t.Parallel()

	q := &fakeQuery{free: []uint64{1000}}
	b := &Budget{Query: q, Margin: 1, Log: zerolog.Nop()}

	err := b.CheckOpening(0, 100, 100, 1, 1, 1, 1, 0)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, q.gcCalls, "exactly one retry before giving up")
}

func TestCheckOpeningUnknownAvailability(t *testing.T) {
	t.Parallel()

	// FreeBytes 0 means availability is unknowable; the check must fail so
	// callers degrade to lazy loading instead of guessing
	q := &fakeQuery{free: []uint64{0}}
	b := &Budget{Query: q, Margin: 1, Log: zerolog.Nop()}

	err := b.CheckOpening(0, 100, 100, 1, 1, 1, 1, 0)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestCheckOpeningHeadroom(t *testing.T) {
	t.Parallel()

	// need = 100*100*1 + 100*100*4 = 50000 bytes; free leaves just under
	// that once margin and headroom are reserved
	q := &fakeQuery{free: []uint64{60000}}
	b := &Budget{Query: q, Margin: 1, Log: zerolog.Nop()}

	err := b.CheckOpening(0, 100, 100, 1, 1, 1, 1, 20000)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	q2 := &fakeQuery{free: []uint64{60000}}
	b2 := &Budget{Query: q2, Margin: 1, Log: zerolog.Nop()}
	assert.NoError(t, b2.CheckOpening(0, 100, 100, 1, 1, 1, 1, 1000))
}

func TestCheckOpeningNilQuery(t *testing.T) {
	t.Parallel()

	b := &Budget{Log: zerolog.Nop()}

	// no query: volume checks are disabled entirely
	assert.NoError(t, b.CheckOpening(0, 10000, 10000, 4, 100, 100, 8, 0))

	// but the per-plane addressing limit still applies
	err := b.CheckOpening(0, 50000, 50000, 1, 1, 1, 1, 0)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestCheckOpeningPlaneLimitIsHard(t *testing.T) {
	t.Parallel()

	// a huge plane fails regardless of how much memory is free
	q := &fakeQuery{free: []uint64{1 << 62}}
	b := &Budget{Query: q, Margin: 1, Log: zerolog.Nop()}

	err := b.CheckOpening(0, 50000, 50000, 1, 1, 1, 1, 0)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Zero(t, q.gcCalls)
}

func TestRuntimeQuery(t *testing.T) {
	t.Parallel()

	q := RuntimeQuery{Budget: 1 << 40}
	free := q.FreeBytes()
	assert.Greater(t, free, uint64(0))
	assert.Less(t, free, uint64(1)<<40)
	q.RequestGC()
}
