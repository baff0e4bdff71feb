package loader

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microseq/pkg/grouping"
	"microseq/pkg/importer"
	"microseq/pkg/memory"
	"microseq/pkg/sequence"
)

// writeGrayPNG writes a w x h grayscale PNG whose pixel at (x, y) carries the
// value base+x.
func writeGrayPNG(t *testing.T, path string, w, h int, base uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: base + uint8(x)})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// writeTimeSeries writes acq_T0.png .. acq_T<n-1>.png into a fresh directory.
// The plane for time point t is filled with the base value t*10.
func writeTimeSeries(t *testing.T, n int) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("acq_T%d.png", i))
		writeGrayPNG(t, path, 8, 8, uint8(i*10))
		paths = append(paths, path)
	}
	return dir, paths
}

func newTestLoader() *Loader {
	reg := importer.NewRegistry()
	reg.Register("file", func() importer.Importer {
		return importer.NewFileImporter(zerolog.Nop())
	})
	return New(grouping.NewGrouper(reg, zerolog.Nop()), nil, nil, zerolog.Nop())
}

// gray8 is the normalized sample an 8-bit gray value decodes to.
func gray8(v uint8) float64 {
	return float64(uint32(v)*0x101) / 65535.0
}

func TestLoadSequencesStitched(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 10)
	l := newTestLoader()

	seqs, err := l.LoadSequences(context.Background(), paths, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	defer seqs[0].Close()

	seq := seqs[0]
	assert.Equal(t, "acq", seq.Name())
	assert.Equal(t, 10, seq.SizeT())
	assert.Equal(t, 1, seq.SizeZ())
	assert.Equal(t, 1, seq.SizeC())
	assert.Equal(t, 8, seq.SizeX())
	assert.Equal(t, 10, seq.NumPlanes())

	img, err := seq.GetImage(context.Background(), 3, 0, true)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.InDelta(t, gray8(30), img.At(0, 0, 0), 1e-9)
}

func TestLoadSequencesSeparate(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 10)
	l := newTestLoader()

	opts := DefaultOptions()
	opts.AutoOrder = false
	seqs, err := l.LoadSequences(context.Background(), paths, opts)
	require.NoError(t, err)
	require.Len(t, seqs, 10, "without stitching every file is its own sequence")

	for _, seq := range seqs {
		assert.Equal(t, 1, seq.SizeT())
		assert.Equal(t, 1, seq.NumPlanes())
		seq.Close()
	}
}

func TestLoadSequencesDirectory(t *testing.T) {
	t.Parallel()

	dir, _ := writeTimeSeries(t, 4)
	l := newTestLoader()

	seqs, err := l.LoadSequences(context.Background(), []string{dir}, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	defer seqs[0].Close()
	assert.Equal(t, 4, seqs[0].SizeT())
}

func TestLoadSequencesBatchError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good0 := filepath.Join(dir, "a_T0.png")
	good1 := filepath.Join(dir, "a_T1.png")
	writeGrayPNG(t, good0, 4, 4, 0)
	writeGrayPNG(t, good1, 4, 4, 10)
	broken := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(broken, []byte("not a png"), 0644))

	l := newTestLoader()
	seqs, err := l.LoadSequences(context.Background(), []string{good0, good1, broken}, DefaultOptions())

	require.Len(t, seqs, 1, "the loadable group still comes through")
	defer seqs[0].Close()
	assert.Equal(t, 2, seqs[0].SizeT())

	var batch *BatchError
	require.ErrorAs(t, err, &batch)
	assert.Equal(t, "1 of 3 files could not be opened", batch.Error())
	require.Len(t, batch.Failed, 1)
	assert.Equal(t, broken, batch.Failed[0].Path)
	assert.ErrorIs(t, batch.Failed[0], importer.ErrUnsupportedFormat)
}

func TestLoadSequencesVolatile(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 3)
	l := newTestLoader()

	opts := DefaultOptions()
	opts.Volatile = true
	seqs, err := l.LoadSequences(context.Background(), paths, opts)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	seq := seqs[0]
	defer seq.Close()

	require.Equal(t, 3, seq.NumPlanes())
	for tp := 0; tp < 3; tp++ {
		lp := seq.GetLazyPlane(tp, 0)
		require.NotNil(t, lp)
		assert.Equal(t, sequence.ResidencyPending, lp.Residency())
		assert.True(t, lp.Volatile())
	}

	// on-demand decode still yields the right pixels
	img, err := seq.GetImage(context.Background(), 2, 0, true)
	require.NoError(t, err)
	assert.InDelta(t, gray8(20), img.At(0, 0, 0), 1e-9)
}

func TestLoadSequencesDegradeToVolatile(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 3)
	l := newTestLoader()
	l.Budget = &memory.Budget{
		Query:  &starvedQuery{},
		Margin: 1,
		Log:    zerolog.Nop(),
	}

	seqs, err := l.LoadSequences(context.Background(), paths, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	seq := seqs[0]
	defer seq.Close()

	lp := seq.GetLazyPlane(0, 0)
	require.NotNil(t, lp)
	assert.Equal(t, sequence.ResidencyPending, lp.Residency(),
		"failed memory check degrades to lazy loading instead of refusing")
}

// starvedQuery reports almost no available memory.
type starvedQuery struct{}

func (starvedQuery) FreeBytes() uint64 { return 1 }
func (starvedQuery) RequestGC()        {}

func TestLoadSequencesTimeRange(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 10)
	l := newTestLoader()

	opts := DefaultOptions()
	opts.TRange = &Range{Min: 2, Max: 5}
	seqs, err := l.LoadSequences(context.Background(), paths, opts)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	seq := seqs[0]
	defer seq.Close()

	assert.Equal(t, 4, seq.SizeT())
	assert.Equal(t, "acq_T2-5", seq.Name())

	// sequence position 0 holds the plane originally at T=2
	img, err := seq.GetImage(context.Background(), 0, 0, true)
	require.NoError(t, err)
	assert.InDelta(t, gray8(20), img.At(0, 0, 0), 1e-9)
}

func TestLoadSequencesResolution(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 2)
	l := newTestLoader()

	opts := DefaultOptions()
	opts.Resolution = 1
	seqs, err := l.LoadSequences(context.Background(), paths, opts)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	seq := seqs[0]
	defer seq.Close()

	assert.Equal(t, 4, seq.SizeX())
	assert.Equal(t, 4, seq.SizeY())
	assert.Equal(t, "acq_res1", seq.Name())
}

func TestLoadSequencesProgress(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 10)
	l := newTestLoader()

	sink := &recordingSink{}
	opts := DefaultOptions()
	opts.Progress = sink
	opts.Workers = 1
	seqs, err := l.LoadSequences(context.Background(), paths, opts)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	defer seqs[0].Close()

	assert.Equal(t, 10, sink.total)
	assert.Equal(t, 10, sink.advanced)
}

func TestLoadSequencesCancellationKeepsPartial(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 10)
	l := newTestLoader()

	sink := &recordingSink{cancelAt: 3}
	opts := DefaultOptions()
	opts.Progress = sink
	opts.Workers = 1
	seqs, err := l.LoadSequences(context.Background(), paths, opts)
	require.NoError(t, err, "cancellation is a normal partial outcome")
	require.Len(t, seqs, 1)
	seq := seqs[0]
	defer seq.Close()

	assert.Equal(t, 3, seq.NumPlanes(), "planes decoded before cancellation survive")
}

func TestLoadSequencesCancellationAllOrNothing(t *testing.T) {
	t.Parallel()

	_, paths := writeTimeSeries(t, 10)
	l := newTestLoader()

	sink := &recordingSink{cancelAt: 3}
	opts := DefaultOptions()
	opts.Progress = sink
	opts.AllOrNothing = true
	opts.Workers = 1
	seqs, err := l.LoadSequences(context.Background(), paths, opts)
	require.NoError(t, err)
	assert.Empty(t, seqs, "all-or-nothing discards the partial sequence")
}

// recordingSink counts progress and cancels after cancelAt planes when set.
type recordingSink struct {
	total    int
	advanced int
	cancelAt int
}

func (r *recordingSink) SetTotal(n int) { r.total = n }
func (r *recordingSink) Advance(n int)  { r.advanced += n }
func (r *recordingSink) Cancelled() bool {
	return r.cancelAt > 0 && r.advanced >= r.cancelAt
}

func TestLoadSequenceSingle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "single.png")
	writeGrayPNG(t, path, 8, 8, 5)

	l := newTestLoader()
	seq, err := l.LoadSequence(context.Background(), []string{path}, DefaultOptions())
	require.NoError(t, err)
	defer seq.Close()

	assert.Equal(t, 1, seq.NumPlanes())
	assert.Equal(t, 8, seq.SizeX())
}

func TestLoadSequenceUnsupportedInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "volume.raw")
	require.NoError(t, os.WriteFile(path, []byte("binary"), 0644))

	l := newTestLoader()
	_, err := l.LoadSequence(context.Background(), []string{path}, DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, importer.ErrUnsupportedFormat)
}

func TestRangeClip(t *testing.T) {
	t.Parallel()

	var full *Range
	min, max := full.clip(10)
	assert.Equal(t, 0, min)
	assert.Equal(t, 9, max)

	min, max = (&Range{Min: -3, Max: 100}).clip(10)
	assert.Equal(t, 0, min)
	assert.Equal(t, 9, max)

	min, max = (&Range{Min: 2, Max: 5}).clip(10)
	assert.Equal(t, 2, min)
	assert.Equal(t, 5, max)
}
