// Package sequence implements the lazy, memory-aware 5D (X,Y,C,Z,T) image
// container. Planes may be resident (pixels decoded) or pending (only their
// source recorded), and volatile planes can be evicted and re-derived from
// their source at any time.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DmitriyVTitov/size"

	"microseq/internal/models"
	"microseq/pkg/importer"
)

var (
	// ErrIncompatibleImage means a plane's shape or type does not match the
	// sequence's color model. The operation is rejected and the sequence
	// left unchanged.
	ErrIncompatibleImage = errors.New("incompatible image")

	// ErrSourceUnavailable means a pending plane was loaded after its
	// source importer was closed. Fatal for that plane only.
	ErrSourceUnavailable = errors.New("plane source unavailable")
)

// Residency is the loading state of a plane slot.
type Residency int

const (
	// ResidencyPending means the source is recorded but pixels are not
	// decoded.
	ResidencyPending Residency = iota

	// ResidencyResident means pixels are decoded and held in memory.
	ResidencyResident
)

// PlaneShape is the dimensional signature of a plane, known from metadata
// before any pixels are decoded.
type PlaneShape struct {
	Width, Height, Channels int
	DataType                models.DataType
}

// ShapeOf returns the shape of a decoded plane.
func ShapeOf(p *models.Plane) PlaneShape {
	return PlaneShape{Width: p.Width, Height: p.Height, Channels: p.Channels, DataType: p.DataType}
}

// ColorModel is the shared signature every plane of a sequence must match.
// The first inserted plane defines it.
type ColorModel struct {
	PlaneShape
}

// Compatible reports whether a shape can join a sequence with this model.
func (m *ColorModel) Compatible(s PlaneShape) bool {
	return m.PlaneShape == s
}

// LazyPlane is a single plane slot. It is owned by exactly one volumetric
// image at a time; ownership transfers on insertion, it is never shared.
type LazyPlane struct {
	mu       sync.Mutex
	img      *models.Plane
	src      *models.SourceDescriptor
	volatile bool
	shape    PlaneShape

	bounds   [][2]float64
	boundsOK bool
}

// NewResidentPlane wraps decoded pixels in a resident slot.
func NewResidentPlane(img *models.Plane) *LazyPlane {
	return &LazyPlane{img: img, shape: ShapeOf(img)}
}

// NewPendingPlane records a source for on-demand decoding. Volatile slots may
// later be evicted and re-derived from the same descriptor.
func NewPendingPlane(src *models.SourceDescriptor, shape PlaneShape, volatile bool) *LazyPlane {
	return &LazyPlane{src: src, shape: shape, volatile: volatile}
}

// Shape returns the dimensional signature of the slot.
func (lp *LazyPlane) Shape() PlaneShape { return lp.shape }

// Volatile reports whether the slot may be evicted.
func (lp *LazyPlane) Volatile() bool { return lp.volatile }

// Residency returns the current loading state.
func (lp *LazyPlane) Residency() Residency {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.img != nil {
		return ResidencyResident
	}
	return ResidencyPending
}

// Source returns the slot's source descriptor, nil for planes inserted
// directly as pixels.
func (lp *LazyPlane) Source() *models.SourceDescriptor { return lp.src }

// Image returns the decoded pixels, or nil while pending.
func (lp *LazyPlane) Image() *models.Plane {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.img
}

// Load returns the decoded pixels, decoding from the source when pending.
// Decoding is a pure function of the source descriptor, so a reload after
// eviction reproduces identical pixel values.
func (lp *LazyPlane) Load(ctx context.Context) (*models.Plane, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.img != nil {
		return lp.img, nil
	}
	if lp.src == nil || lp.src.Source == nil {
		return nil, ErrSourceUnavailable
	}
	img, err := lp.src.Fetch(ctx)
	if err != nil {
		if errors.Is(err, importer.ErrClosed) {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, err
	}
	lp.img = img
	lp.boundsOK = false
	return img, nil
}

// Adopt installs already-decoded pixels into a pending slot. It is a no-op
// when the slot is already resident.
func (lp *LazyPlane) Adopt(img *models.Plane) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.img == nil {
		lp.img = img
		lp.boundsOK = false
	}
}

// Evict drops the decoded pixels of a volatile slot, keeping the source
// descriptor for re-derivation. It returns the number of bytes freed and
// whether eviction happened.
func (lp *LazyPlane) Evict() (int64, bool) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if !lp.volatile || lp.img == nil || lp.src == nil {
		return 0, false
	}
	freed := int64(size.Of(lp.img))
	lp.img = nil
	return freed, true
}

// Bounds returns the cached per-channel [min,max] sample values of a
// resident plane, computing them on first use. Pending planes report ok
// false.
func (lp *LazyPlane) Bounds() ([][2]float64, bool) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.img == nil {
		return nil, false
	}
	if !lp.boundsOK {
		lp.bounds = make([][2]float64, lp.img.Channels)
		for c := 0; c < lp.img.Channels; c++ {
			min, max := lp.img.ChannelBounds(c)
			lp.bounds[c] = [2]float64{min, max}
		}
		lp.boundsOK = true
	}
	return lp.bounds, true
}
