// Package loader orchestrates sequence assembly: resolve importers, group
// files, decide resident versus volatile loading against the memory budget,
// and populate sequences plane by plane.
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"microseq/internal/models"
	"microseq/pkg/grouping"
	"microseq/pkg/importer"
	"microseq/pkg/memory"
	"microseq/pkg/sequence"
)

// Range is an inclusive index sub-range. A nil *Range means the full extent.
type Range struct {
	Min, Max int
}

// clip restricts the range to [0, size), defaulting to the full extent.
func (r *Range) clip(size int) (int, int) {
	if r == nil {
		return 0, size - 1
	}
	min, max := r.Min, r.Max
	if min < 0 {
		min = 0
	}
	if max >= size {
		max = size - 1
	}
	return min, max
}

// Options is the canonical configuration record for a load. The historical
// overload chains collapse into this one struct; convenience wrappers stay
// thin and outside the core.
type Options struct {
	// Entry selects the importer backend explicitly; nil resolves each
	// path against the registry
	Entry *importer.Entry

	// Series selects one series of multi-dataset sources
	Series int

	// Resolution is the power-of-two downsampling level to load
	Resolution int

	// Region restricts loading to a sub-area of each plane
	Region *models.Region

	// ZRange, TRange restrict loading to sub-ranges; nil means full
	ZRange, TRange *Range

	// Channel selects one channel, or -1 for all
	Channel int

	// Volatile forces lazy, evictable loading regardless of memory checks
	Volatile bool

	// AutoOrder stitches files into multi-dimensional groups by filename;
	// when false every file loads as its own sequence
	AutoOrder bool

	// AllOrNothing aborts a group on any failure instead of keeping the
	// partial result
	AllOrNothing bool

	// Progress receives plane-level progress; may be nil
	Progress ProgressSink

	// Workers bounds group-level parallelism; 0 means NumCPU
	Workers int
}

// DefaultOptions returns options loading everything at full resolution.
func DefaultOptions() Options {
	return Options{Channel: -1, AutoOrder: true}
}

// BatchError aggregates the paths of a batch that could not be opened.
// The batch itself still yields every sequence that loaded.
type BatchError struct {
	// Failed lists the unopenable paths with their specific errors
	Failed []grouping.PathError

	// Total is the number of files considered
	Total int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d files could not be opened", len(e.Failed), e.Total)
}

// Loader assembles sequences from file paths.
type Loader struct {
	// Grouper partitions paths into acquisition groups
	Grouper *grouping.Grouper

	// Budget decides resident versus volatile loading; nil loads resident
	Budget *memory.Budget

	// Prefetcher is shared by all produced sequences; may be nil
	Prefetcher *sequence.Prefetcher

	// UndoCapacity and PrefetchRadius configure produced sequences
	UndoCapacity   int
	PrefetchRadius int

	// Log receives assembly diagnostics
	Log zerolog.Logger
}

// New returns a loader using the given grouper and budget.
func New(grouper *grouping.Grouper, budget *memory.Budget, prefetcher *sequence.Prefetcher, log zerolog.Logger) *Loader {
	return &Loader{
		Grouper:    grouper,
		Budget:     budget,
		Prefetcher: prefetcher,
		Log:        log,
	}
}

// LoadSequence loads a single sequence from the given paths. When the paths
// split into several groups the first group's sequence is returned. Unlike
// batch loading, failures surface as a specific error.
func (l *Loader) LoadSequence(ctx context.Context, paths []string, opts Options) (*sequence.Sequence, error) {
	seqs, err := l.LoadSequences(ctx, paths, opts)
	if len(seqs) == 0 {
		var batch *BatchError
		if errors.As(err, &batch) && len(batch.Failed) > 0 {
			return nil, batch.Failed[0]
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no loadable file in input", importer.ErrUnsupportedFormat)
	}
	for _, s := range seqs[1:] {
		s.Close()
	}
	return seqs[0], err
}

// LoadSequences assembles one sequence per file group. Grouping and per-file
// errors are accumulated and reported once per batch via BatchError; loading
// continues past them. Cancellation is a normal partial outcome: the
// sequences assembled so far are returned with no error.
func (l *Loader) LoadSequences(ctx context.Context, paths []string, opts Options) ([]*sequence.Sequence, error) {
	progress := progressOrNil(opts.Progress)

	groups, issues, err := l.Grouper.Group(ctx, opts.Entry, paths, opts.AutoOrder)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	results := make([]*sequence.Sequence, len(groups))
	groupIssues := make([][]grouping.PathError, len(groups))

	// Metadata pre-pass so progress totals cover every plane of the batch.
	importers := make([]*grouping.GroupImporter, len(groups))
	plan := make([]loadPlan, len(groups))
	total := 0
	for i, grp := range groups {
		gi := grouping.NewGroupImporter(grp, l.Grouper.SeriesPolicy, l.Log)
		p, err := l.planGroup(ctx, gi, opts)
		if err != nil {
			groupIssues[i] = groupFailure(grp, err)
			gi.Close()
			continue
		}
		importers[i] = gi
		plan[i] = p
		total += p.planes()
	}
	progress.SetTotal(total)

	var eg errgroup.Group
	eg.SetLimit(workers)
	for i := range groups {
		if importers[i] == nil {
			continue
		}
		i := i
		eg.Go(func() error {
			seq, issues := l.loadGroup(ctx, groups[i], importers[i], plan[i], opts, progress)
			results[i] = seq
			groupIssues[i] = append(groupIssues[i], issues...)
			return nil
		})
	}
	eg.Wait()

	var seqs []*sequence.Sequence
	for _, s := range results {
		if s != nil {
			seqs = append(seqs, s)
		}
	}
	failed := issues
	for _, gi := range groupIssues {
		failed = append(failed, gi...)
	}
	if len(failed) > 0 {
		l.Log.Warn().Int("failed", len(failed)).Int("total", len(paths)).
			Msg("batch completed with unopenable files")
		return seqs, &BatchError{Failed: failed, Total: len(paths)}
	}
	return seqs, nil
}

// loadPlan is the resolved geometry of one group load.
type loadPlan struct {
	meta       *models.Metadata
	width      int
	height     int
	channels   int
	tMin, tMax int
	zMin, zMax int
	volatile   bool
}

func (p loadPlan) planes() int {
	return (p.tMax - p.tMin + 1) * (p.zMax - p.zMin + 1)
}

// planGroup resolves metadata, clips the requested sub-ranges and runs the
// memory checks, degrading to volatile loading when the full-resident check
// fails but a source-backed reload path exists.
func (l *Loader) planGroup(ctx context.Context, gi *grouping.GroupImporter, opts Options) (loadPlan, error) {
	meta, err := gi.Metadata(ctx)
	if err != nil {
		return loadPlan{}, err
	}

	width, height := meta.SizeX, meta.SizeY
	if !opts.Region.Empty() {
		r := opts.Region.Clamp(meta.SizeX, meta.SizeY)
		width, height = r.Width, r.Height
	}
	channels := meta.SizeC
	if opts.Channel >= 0 {
		channels = 1
	}

	p := loadPlan{meta: meta, width: width, height: height, channels: channels, volatile: opts.Volatile}
	p.tMin, p.tMax = opts.TRange.clip(meta.SizeT)
	p.zMin, p.zMax = opts.ZRange.clip(meta.SizeZ)
	if p.tMax < p.tMin || p.zMax < p.zMin {
		return loadPlan{}, fmt.Errorf("empty T/Z selection for %s", gi.Path())
	}

	if l.Budget == nil {
		return p, nil
	}
	// The single-plane limit is hard and fails the group outright.
	if _, err := l.Budget.CheckOpeningPlane(opts.Resolution, width, height); err != nil {
		return loadPlan{}, err
	}
	if p.volatile {
		return p, nil
	}
	err = l.Budget.CheckOpening(opts.Resolution, width, height, channels,
		p.zMax-p.zMin+1, p.tMax-p.tMin+1, meta.DataType.SampleSize(), 0)
	if err != nil {
		if errors.Is(err, memory.ErrOutOfMemory) {
			l.Log.Info().Str("group", gi.Path()).Msg("degrading to volatile loading")
			p.volatile = true
			return p, nil
		}
		return loadPlan{}, err
	}
	return p, nil
}

// loadGroup populates one sequence from its group importer. Decode order is
// increasing T then increasing Z. Cancellation is checked at every plane
// boundary; the partially loaded sequence is preserved as-is unless the
// caller requested an all-or-nothing load.
func (l *Loader) loadGroup(ctx context.Context, grp *grouping.Group, gi *grouping.GroupImporter, p loadPlan, opts Options, progress ProgressSink) (*sequence.Sequence, []grouping.PathError) {
	adjW := p.width >> opts.Resolution
	adjH := p.height >> opts.Resolution
	if adjW < 1 {
		adjW = 1
	}
	if adjH < 1 {
		adjH = 1
	}
	shape := sequence.PlaneShape{Width: adjW, Height: adjH, Channels: p.channels, DataType: p.meta.DataType}

	origin := sequence.Origin{
		BaseName:   grp.Ident.Name(),
		Resolution: opts.Resolution,
		Region:     opts.Region,
		ZMin:       -1, ZMax: -1, TMin: -1, TMax: -1,
		Channel: opts.Channel,
	}
	if opts.TRange != nil {
		origin.TMin, origin.TMax = p.tMin, p.tMax
	}
	if opts.ZRange != nil {
		origin.ZMin, origin.ZMax = p.zMin, p.zMax
	}

	seq := sequence.New(sequence.Options{
		Name:           origin.OutputName(),
		Source:         gi,
		Prefetcher:     l.Prefetcher,
		PrefetchRadius: l.PrefetchRadius,
		UndoCapacity:   l.UndoCapacity,
		Logger:         l.Log,
	})
	seq.SetOrigin(origin)

	var issues []grouping.PathError
	seq.BeginUpdate()
	defer seq.EndUpdate()

	for t := p.tMin; t <= p.tMax; t++ {
		for z := p.zMin; z <= p.zMax; z++ {
			if ctx.Err() != nil || progress.Cancelled() {
				if opts.AllOrNothing {
					seq.Close()
					return nil, issues
				}
				return seq, issues
			}

			src := &models.SourceDescriptor{
				Source:     gi,
				Series:     opts.Series,
				Resolution: opts.Resolution,
				Region:     opts.Region,
				Z:          z,
				T:          t,
				Channel:    opts.Channel,
			}

			var err error
			if p.volatile {
				err = seq.SetPendingImage(t-p.tMin, z-p.zMin, src, shape, true)
			} else {
				err = l.setResident(ctx, seq, gi, src, shape, t-p.tMin, z-p.zMin)
			}
			if err != nil {
				if opts.AllOrNothing {
					seq.Close()
					issues = append(issues, groupFailure(grp, err)...)
					return nil, issues
				}
				issues = append(issues, grouping.PathError{Path: grp.Ident.Name(), Err: err})
			}
			progress.Advance(1)
		}
	}

	l.Log.Info().Str("sequence", seq.Name()).
		Int("sizeT", seq.SizeT()).Int("sizeZ", seq.SizeZ()).Int("sizeC", seq.SizeC()).
		Bool("volatile", p.volatile).
		Msg("sequence assembled")
	return seq, issues
}

// setResident decodes one plane and inserts it. A missing coordinate inside
// an otherwise valid group is tolerated: a blank plane is substituted.
func (l *Loader) setResident(ctx context.Context, seq *sequence.Sequence, gi *grouping.GroupImporter, src *models.SourceDescriptor, shape sequence.PlaneShape, t, z int) error {
	img, err := src.Fetch(ctx)
	if err != nil {
		if !errors.Is(err, importer.ErrMissingPlane) {
			return err
		}
		img = models.NewPlane(shape.Width, shape.Height, shape.Channels, shape.DataType)
	}
	return seq.SetImage(t, z, img)
}

// groupFailure expands a group-level error into per-path errors so batch
// reporting can count files.
func groupFailure(grp *grouping.Group, err error) []grouping.PathError {
	out := make([]grouping.PathError, 0, len(grp.Positions))
	for _, pos := range grp.Positions {
		out = append(out, grouping.PathError{Path: pos.Path, Err: err})
	}
	return out
}
