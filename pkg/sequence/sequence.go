package sequence

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"microseq/internal/models"
)

// ChangeType classifies a sequence mutation.
type ChangeType int

const (
	// ChangeAdded means a plane was inserted at a previously empty slot.
	ChangeAdded ChangeType = iota

	// ChangeReplaced means an occupied slot received a new plane.
	ChangeReplaced

	// ChangeRemoved means a slot was emptied.
	ChangeRemoved

	// ChangeBatch is the single coalesced notification emitted at the end
	// of an update block.
	ChangeBatch
)

// ChangeEvent describes one observable sequence mutation.
type ChangeEvent struct {
	// Type is the mutation kind
	Type ChangeType

	// T, Z locate the mutated slot; -1 for batch events
	T, Z int

	// Mutations is the number of coalesced mutations in a batch event
	Mutations int
}

// Listener receives change notifications. Registration is a back-reference
// only: a sequence never owns its listeners and its lifetime is not extended
// by them.
type Listener interface {
	SequenceChanged(e ChangeEvent)
}

// Origin records which part of a larger original image a sequence
// represents, used to regenerate a correct output name and to support
// load-only-this-crop semantics. Range values of -1 mean "full range".
type Origin struct {
	// BaseName is the name of the original image
	BaseName string

	// Resolution is the power-of-two downsampling level that was loaded
	Resolution int

	// Region is the loaded sub-area, nil for the full plane
	Region *models.Region

	// ZMin, ZMax, TMin, TMax are the loaded sub-ranges, -1 for full
	ZMin, ZMax, TMin, TMax int

	// Channel is the loaded channel, -1 for all
	Channel int
}

// FullOrigin returns an origin covering the whole of an image.
func FullOrigin(baseName string) Origin {
	return Origin{BaseName: baseName, ZMin: -1, ZMax: -1, TMin: -1, TMax: -1, Channel: -1}
}

// OutputName regenerates a name encoding the loaded crop.
func (o Origin) OutputName() string {
	name := o.BaseName
	if o.Resolution > 0 {
		name += fmt.Sprintf("_res%d", o.Resolution)
	}
	if !o.Region.Empty() {
		name += fmt.Sprintf("_x%dy%dw%dh%d", o.Region.X, o.Region.Y, o.Region.Width, o.Region.Height)
	}
	if o.ZMin >= 0 {
		name += fmt.Sprintf("_Z%d-%d", o.ZMin, o.ZMax)
	}
	if o.TMin >= 0 {
		name += fmt.Sprintf("_T%d-%d", o.TMin, o.TMax)
	}
	if o.Channel >= 0 {
		name += fmt.Sprintf("_C%d", o.Channel)
	}
	return name
}

// Options configures a new sequence.
type Options struct {
	// Name is the display name
	Name string

	// IDGen generates the sequence identifier; defaults to a UUID
	IDGen func() string

	// Source is the importer owning the underlying resource; the sequence
	// closes it on teardown
	Source io.Closer

	// Prefetcher performs background decoding; nil disables prefetch
	Prefetcher *Prefetcher

	// PrefetchRadius is how many neighboring T and Z planes are scheduled
	// around an accessed plane; defaults to 2
	PrefetchRadius int

	// UndoCapacity bounds the undo log; defaults to 16
	UndoCapacity int

	// Logger receives sequence diagnostics
	Logger zerolog.Logger
}

// Sequence is the aggregate root of the 5D container: an ordered map of
// volumetric images per time point sharing one color model, with bounds
// bookkeeping, batched change notification and undo.
//
// All mutation methods take the sequence's single lock internally; callers
// never need external locking but must go through the public API for
// cross-thread visibility.
type Sequence struct {
	mu sync.Mutex

	id     string
	name   string
	origin Origin

	vols  map[int]*VolumetricImage
	model *ColorModel

	absBounds  [][2]float64
	userBounds [][2]float64
	boundsDirty bool

	updateDepth int
	pending     int
	listeners   []Listener

	undo *undoLog

	source         io.Closer
	prefetcher     *Prefetcher
	prefetchRadius int
	closed         bool
	log            zerolog.Logger
}

// New creates an empty sequence.
func New(opts Options) *Sequence {
	idGen := opts.IDGen
	if idGen == nil {
		idGen = uuid.NewString
	}
	radius := opts.PrefetchRadius
	if radius == 0 {
		radius = 2
	}
	capacity := opts.UndoCapacity
	if capacity == 0 {
		capacity = 16
	}
	return &Sequence{
		id:             idGen(),
		name:           opts.Name,
		origin:         FullOrigin(opts.Name),
		vols:           make(map[int]*VolumetricImage),
		undo:           newUndoLog(capacity),
		source:         opts.Source,
		prefetcher:     opts.Prefetcher,
		prefetchRadius: radius,
		log:            opts.Logger,
	}
}

// ID returns the sequence identifier.
func (s *Sequence) ID() string { return s.id }

// Name returns the display name.
func (s *Sequence) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName updates the display name.
func (s *Sequence) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Origin returns the origin-tracking record.
func (s *Sequence) Origin() Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

// SetOrigin replaces the origin-tracking record.
func (s *Sequence) SetOrigin(o Origin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origin = o
}

// AddListener registers a change listener.
func (s *Sequence) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters a previously added listener.
func (s *Sequence) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.listeners {
		if have == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// BeginUpdate opens an update block: mutations inside it are coalesced into
// a single notification at EndUpdate. Blocks nest.
func (s *Sequence) BeginUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateDepth++
}

// EndUpdate closes an update block, flushing deferred bounds recomputation
// and emitting one coalesced notification for all mutations in the block.
func (s *Sequence) EndUpdate() {
	s.mu.Lock()
	if s.updateDepth > 0 {
		s.updateDepth--
	}
	flush := s.updateDepth == 0 && s.pending > 0
	n := s.pending
	if flush {
		s.pending = 0
		if s.boundsDirty {
			s.updateBoundsLocked(false)
		}
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if flush {
		e := ChangeEvent{Type: ChangeBatch, T: -1, Z: -1, Mutations: n}
		for _, l := range listeners {
			l.SequenceChanged(e)
		}
	}
}

// SetImage inserts or replaces the plane at (t, z), taking ownership of the
// pixels. A nil plane removes the slot. The first plane inserted into an
// empty sequence defines its color model; afterwards incompatible planes are
// rejected with ErrIncompatibleImage, except that the sole plane of a
// single-plane sequence may be replaced by one of a different type.
func (s *Sequence) SetImage(t, z int, img *models.Plane) error {
	if img == nil {
		return s.RemoveImage(t, z)
	}
	return s.setSlot(t, z, NewResidentPlane(img))
}

// SetPendingImage inserts a lazy slot whose pixels decode on demand from the
// given source. The same compatibility rules as SetImage apply, checked
// against the shape known from metadata.
func (s *Sequence) SetPendingImage(t, z int, src *models.SourceDescriptor, shape PlaneShape, volatile bool) error {
	return s.setSlot(t, z, NewPendingPlane(src, shape, volatile))
}

func (s *Sequence) setSlot(t, z int, lp *LazyPlane) error {
	if t < 0 || z < 0 {
		return fmt.Errorf("negative coordinate (t=%d, z=%d)", t, z)
	}

	s.mu.Lock()
	vol := s.vols[t]
	replacing := vol != nil && vol.Plane(z) != nil

	if err := s.checkCompatibleLocked(lp.Shape(), t, z); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.model == nil || s.soleSlotLocked(t, z) {
		s.model = &ColorModel{PlaneShape: lp.Shape()}
	}
	if vol == nil {
		vol = NewVolumetricImage()
		s.vols[t] = vol
	}
	vol.SetPlane(z, lp)
	s.boundsDirty = true

	typ := ChangeAdded
	if replacing {
		typ = ChangeReplaced
	}
	s.notifyLocked(ChangeEvent{Type: typ, T: t, Z: z})
	return nil
}

// RemoveImage empties the slot at (t, z). Empty volumes are pruned.
func (s *Sequence) RemoveImage(t, z int) error {
	s.mu.Lock()
	vol := s.vols[t]
	if vol == nil || vol.Plane(z) == nil {
		s.mu.Unlock()
		return nil
	}
	vol.SetPlane(z, nil)
	if vol.NumPlanes() == 0 {
		delete(s.vols, t)
	}
	if s.planeCountLocked() == 0 {
		s.model = nil
		s.absBounds = nil
		s.userBounds = nil
	}
	s.boundsDirty = true
	s.notifyLocked(ChangeEvent{Type: ChangeRemoved, T: t, Z: z})
	return nil
}

// RemoveAllImages empties the whole container.
func (s *Sequence) RemoveAllImages() {
	s.mu.Lock()
	n := s.planeCountLocked()
	s.vols = make(map[int]*VolumetricImage)
	s.model = nil
	s.absBounds = nil
	s.userBounds = nil
	s.boundsDirty = true
	if n > 0 {
		s.notifyLocked(ChangeEvent{Type: ChangeRemoved, T: -1, Z: -1, Mutations: n})
		return
	}
	s.mu.Unlock()
}

// GetImage returns the plane at (t, z). With load true a pending plane is
// decoded first; otherwise nil pixels are returned for pending slots. Either
// way, neighboring planes are scheduled for best-effort background prefetch.
func (s *Sequence) GetImage(ctx context.Context, t, z int, load bool) (*models.Plane, error) {
	s.mu.Lock()
	var lp *LazyPlane
	if vol := s.vols[t]; vol != nil {
		lp = vol.Plane(z)
	}
	s.mu.Unlock()

	if lp == nil {
		return nil, nil
	}
	s.schedulePrefetch(t, z)

	if !load {
		return lp.Image(), nil
	}
	if s.prefetcher != nil {
		return s.prefetcher.Load(ctx, s.id, lp)
	}
	return lp.Load(ctx)
}

// GetLazyPlane returns the slot at (t, z) without touching residency.
func (s *Sequence) GetLazyPlane(t, z int) *LazyPlane {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vol := s.vols[t]; vol != nil {
		return vol.Plane(z)
	}
	return nil
}

// schedulePrefetch queues the pending neighbors of (t, z) within the
// prefetch radius, outer T then inner Z. Requests for already-resident or
// already-pending-in-flight planes are no-ops.
func (s *Sequence) schedulePrefetch(t, z int) {
	if s.prefetcher == nil {
		return
	}
	for dt := -s.prefetchRadius; dt <= s.prefetchRadius; dt++ {
		if dt == 0 {
			continue
		}
		if lp := s.GetLazyPlane(t+dt, z); lp != nil {
			s.prefetcher.Prefetch(s.id, lp)
		}
	}
	for dz := -s.prefetchRadius; dz <= s.prefetchRadius; dz++ {
		if dz == 0 {
			continue
		}
		if lp := s.GetLazyPlane(t, z+dz); lp != nil {
			s.prefetcher.Prefetch(s.id, lp)
		}
	}
}

// EvictVolatile drops the pixels of the volatile plane at (t, z), retaining
// them in the plane cache when one is wired. Returns the bytes freed.
func (s *Sequence) EvictVolatile(t, z int) int64 {
	lp := s.GetLazyPlane(t, z)
	if lp == nil {
		return 0
	}
	img := lp.Image()
	freed, ok := lp.Evict()
	if !ok {
		return 0
	}
	if s.prefetcher != nil && img != nil {
		s.prefetcher.Retain(s.id, lp, img)
	}
	return freed
}

// EvictAllVolatile evicts every volatile resident plane, returning the total
// bytes freed.
func (s *Sequence) EvictAllVolatile() int64 {
	s.mu.Lock()
	type slot struct{ t, z int }
	var slots []slot
	for t, vol := range s.vols {
		for _, z := range vol.ZIndices() {
			slots = append(slots, slot{t, z})
		}
	}
	s.mu.Unlock()

	var freed int64
	for _, sl := range slots {
		freed += s.EvictVolatile(sl.t, sl.z)
	}
	return freed
}

// SizeX returns the plane width, 0 while empty.
func (s *Sequence) SizeX() int { return s.modelDim(func(m *ColorModel) int { return m.Width }) }

// SizeY returns the plane height, 0 while empty.
func (s *Sequence) SizeY() int { return s.modelDim(func(m *ColorModel) int { return m.Height }) }

// SizeC returns the channel count of the shared color model, 0 while empty.
func (s *Sequence) SizeC() int { return s.modelDim(func(m *ColorModel) int { return m.Channels }) }

func (s *Sequence) modelDim(f func(*ColorModel) int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return 0
	}
	return f(s.model)
}

// SizeT returns the time extent: the highest occupied T plus one.
func (s *Sequence) SizeT() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := -1
	for t := range s.vols {
		if t > max {
			max = t
		}
	}
	return max + 1
}

// SizeZ returns the depth extent across all time points.
func (s *Sequence) SizeZ() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, vol := range s.vols {
		if sz := vol.SizeZ(); sz > max {
			max = sz
		}
	}
	return max
}

// NumPlanes returns the number of occupied slots.
func (s *Sequence) NumPlanes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planeCountLocked()
}

// DataType returns the sample type of the shared color model.
func (s *Sequence) DataType() models.DataType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return models.DataTypeUint8
	}
	return s.model.DataType
}

// MemoryUsage measures the in-memory cost of all resident planes.
func (s *Sequence) MemoryUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, vol := range s.vols {
		for _, z := range vol.ZIndices() {
			if img := vol.Plane(z).Image(); img != nil {
				total += int64(size.Of(img))
			}
		}
	}
	return total
}

// UpdateChannelsBounds recomputes the per-channel absolute intensity bounds
// across all resident planes. With force false the bounds cached on
// individual planes are trusted; with force true they are recomputed from
// pixels. Inside an update block the recomputation is deferred and flushed
// once at EndUpdate.
func (s *Sequence) UpdateChannelsBounds(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateDepth > 0 && !force {
		s.boundsDirty = true
		return
	}
	s.updateBoundsLocked(force)
}

func (s *Sequence) updateBoundsLocked(force bool) {
	s.boundsDirty = false
	if s.model == nil {
		s.absBounds = nil
		s.userBounds = nil
		return
	}
	channels := s.model.Channels
	bounds := make([][2]float64, channels)
	first := true
	for _, vol := range s.vols {
		for _, z := range vol.ZIndices() {
			lp := vol.Plane(z)
			if force {
				if img := lp.Image(); img != nil {
					lp.mu.Lock()
					lp.boundsOK = false
					lp.mu.Unlock()
				}
			}
			pb, ok := lp.Bounds()
			if !ok {
				continue
			}
			for c := 0; c < channels && c < len(pb); c++ {
				if first {
					bounds[c] = pb[c]
					continue
				}
				if pb[c][0] < bounds[c][0] {
					bounds[c][0] = pb[c][0]
				}
				if pb[c][1] > bounds[c][1] {
					bounds[c][1] = pb[c][1]
				}
			}
			first = false
		}
	}
	s.absBounds = bounds
	if s.userBounds == nil {
		s.userBounds = make([][2]float64, channels)
		copy(s.userBounds, bounds)
	}
}

// ChannelBounds returns the absolute [min,max] of one channel.
func (s *Sequence) ChannelBounds(c int) [2]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c < 0 || c >= len(s.absBounds) {
		return [2]float64{}
	}
	return s.absBounds[c]
}

// UserBounds returns the user-adjustable [min,max] of one channel.
func (s *Sequence) UserBounds(c int) [2]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c < 0 || c >= len(s.userBounds) {
		return [2]float64{}
	}
	return s.userBounds[c]
}

// SetUserBounds adjusts the user [min,max] of one channel.
func (s *Sequence) SetUserBounds(c int, min, max float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c < 0 || c >= len(s.userBounds) {
		return
	}
	s.userBounds[c] = [2]float64{min, max}
}

// Close tears the sequence down, releasing its importer resource.
func (s *Sequence) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.vols = make(map[int]*VolumetricImage)
	s.model = nil
	src := s.source
	s.source = nil
	s.mu.Unlock()

	if src != nil {
		return src.Close()
	}
	return nil
}

// checkCompatibleLocked enforces the shared color model. The first plane
// adopts; the sole plane of a single-plane sequence may change type when
// replaced; anything else must match the model exactly.
func (s *Sequence) checkCompatibleLocked(shape PlaneShape, t, z int) error {
	if s.model == nil {
		return nil
	}
	if s.model.Compatible(shape) {
		return nil
	}
	if s.soleSlotLocked(t, z) {
		return nil
	}
	return fmt.Errorf("%w: plane %dx%dx%d %s vs model %dx%dx%d %s",
		ErrIncompatibleImage,
		shape.Width, shape.Height, shape.Channels, shape.DataType,
		s.model.Width, s.model.Height, s.model.Channels, s.model.DataType)
}

// soleSlotLocked reports whether (t, z) is the only occupied slot.
func (s *Sequence) soleSlotLocked(t, z int) bool {
	if s.planeCountLocked() != 1 {
		return false
	}
	vol := s.vols[t]
	return vol != nil && vol.Plane(z) != nil
}

func (s *Sequence) planeCountLocked() int {
	n := 0
	for _, vol := range s.vols {
		n += vol.NumPlanes()
	}
	return n
}

// notifyLocked queues or emits a change event. The caller must hold s.mu;
// the lock is released before listeners run.
func (s *Sequence) notifyLocked(e ChangeEvent) {
	if s.updateDepth > 0 {
		s.pending++
		s.mu.Unlock()
		return
	}
	if s.boundsDirty {
		s.updateBoundsLocked(false)
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	for _, l := range listeners {
		l.SequenceChanged(e)
	}
}

func (s *Sequence) snapshotListeners() []Listener {
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}
