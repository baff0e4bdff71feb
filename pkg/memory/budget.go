// Package memory implements the resource-aware opening checks deciding
// whether image data can be loaded resident, must degrade to volatile
// loading, or cannot be opened at all.
package memory

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// MaxPlaneSamples is the hard limit on samples per plane: a plane is
// addressed with a 32-bit element count, so this bound is independent of
// available memory.
const MaxPlaneSamples = int64(1) << 31

// DefaultMargin is the safety margin kept free during opening checks.
const DefaultMargin = 16 << 20

// previewBytesPerPixel reserves room for a displayable 32-bit-per-pixel
// preview alongside the decoded volume.
const previewBytesPerPixel = 4

var (
	// ErrCapacityExceeded means a single plane is too large to address.
	// Fatal for that file; it does not abort a larger batch.
	ErrCapacityExceeded = errors.New("plane capacity exceeded")

	// ErrOutOfMemory means the data does not fit in memory even after a GC
	// retry. Callers degrade to volatile loading when possible.
	ErrOutOfMemory = errors.New("insufficient memory")
)

// Query reports memory availability. FreeBytes returning 0 means
// availability cannot be determined; callers fall back to lazy loading.
type Query interface {
	FreeBytes() uint64
	RequestGC()
}

// RuntimeQuery derives availability from the Go runtime: the configured
// soft memory limit (or Budget when no limit is set) minus the live heap.
type RuntimeQuery struct {
	// Budget is the assumed total when the runtime has no memory limit
	Budget uint64
}

// FreeBytes returns the estimated available memory.
func (q RuntimeQuery) FreeBytes() uint64 {
	limit := debug.SetMemoryLimit(-1)
	total := q.Budget
	if limit > 0 && uint64(limit) < uint64(1)<<62 {
		total = uint64(limit)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc >= total {
		return 0
	}
	return total - ms.HeapAlloc
}

// RequestGC runs a collection pass.
func (q RuntimeQuery) RequestGC() { runtime.GC() }

// Budget performs opening checks against a memory query.
type Budget struct {
	// Query supplies availability; nil disables volume checks entirely
	Query Query

	// Margin is the safety margin in bytes; 0 selects DefaultMargin
	Margin uint64

	// Log receives check diagnostics
	Log zerolog.Logger
}

// CheckOpeningPlane verifies that one plane at the given resolution level is
// addressable, returning its pixel count. The limit is hard: it fails with
// ErrCapacityExceeded regardless of available memory.
func (b *Budget) CheckOpeningPlane(resolution, width, height int) (int64, error) {
	pixels := int64(width) * int64(height)
	for i := 0; i < resolution; i++ {
		pixels /= 4
	}
	if pixels > MaxPlaneSamples {
		return 0, fmt.Errorf("%w: %dx%d at resolution %d is %d samples (max %d)",
			ErrCapacityExceeded, width, height, resolution, pixels, MaxPlaneSamples)
	}
	return pixels, nil
}

// CheckOpening verifies that a whole volume plus a preview image fits in
// available memory, keeping Margin bytes free on top of headroom. On the
// first failure a garbage-collection pass is requested and the check is
// retried once; only the second failure is final.
func (b *Budget) CheckOpening(resolution, width, height, channels, zCount, tCount, sampleSize int, headroom uint64) error {
	if _, err := b.CheckOpeningPlane(resolution, width, height); err != nil {
		return err
	}
	if b.Query == nil {
		return nil
	}

	adjW := width >> resolution
	adjH := height >> resolution
	if adjW < 1 {
		adjW = 1
	}
	if adjH < 1 {
		adjH = 1
	}
	need := uint64(adjW) * uint64(adjH) * uint64(channels) * uint64(zCount) * uint64(tCount) * uint64(sampleSize)
	need += uint64(adjW) * uint64(adjH) * previewBytesPerPixel

	margin := b.Margin
	if margin == 0 {
		margin = DefaultMargin
	}

	if b.fits(need, margin, headroom) {
		return nil
	}
	b.Query.RequestGC()
	if b.fits(need, margin, headroom) {
		return nil
	}

	free := b.Query.FreeBytes()
	b.Log.Warn().
		Str("needed", humanize.IBytes(need)).
		Str("free", humanize.IBytes(free)).
		Msg("volume does not fit in memory")
	return fmt.Errorf("%w: need %s, %s free", ErrOutOfMemory, humanize.IBytes(need), humanize.IBytes(free))
}

func (b *Budget) fits(need, margin, headroom uint64) bool {
	free := b.Query.FreeBytes()
	if free == 0 {
		// availability unknown: report as not fitting so callers degrade
		// to lazy loading
		return false
	}
	if free <= margin+headroom {
		return false
	}
	return need <= free-margin-headroom
}
