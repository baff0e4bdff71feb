package grouping

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"microseq/internal/models"
	"microseq/pkg/importer"
)

// GroupImporter adapts a file group into a single importer addressable by
// (series, resolution, region, z, t, channel), dispatching each request to
// the file holding that coordinate. Per-file importers are opened lazily and
// cached for the lifetime of the group importer.
//
// The underlying per-file handles are not thread-safe; all delegated decodes
// are serialized through an internal lock, while unrelated group importers
// proceed in parallel.
type GroupImporter struct {
	group  *Group
	policy GroupableSeriesPolicy
	log    zerolog.Logger

	mu       sync.Mutex
	open     map[string]importer.Importer
	meta     *models.Metadata
	fileMeta *models.Metadata
	closed   bool
}

// NewGroupImporter wraps a group. The series policy gates how multi-series
// files contribute to the combined layout; nil selects the default policy.
func NewGroupImporter(group *Group, policy GroupableSeriesPolicy, log zerolog.Logger) *GroupImporter {
	if policy == nil {
		policy = DefaultSeriesPolicy
	}
	return &GroupImporter{
		group:  group,
		policy: policy,
		log:    log,
		open:   make(map[string]importer.Importer),
	}
}

// Group returns the wrapped file group.
func (gi *GroupImporter) Group() *Group { return gi.group }

// Accept reports whether the path is a member of the wrapped group.
func (gi *GroupImporter) Accept(path string) bool {
	for _, p := range gi.group.Positions {
		if p.Path == path {
			return true
		}
	}
	return false
}

// Open builds and caches the combined metadata. The path argument is ignored;
// the group already knows its files.
func (gi *GroupImporter) Open(ctx context.Context, path string, flags importer.OpenFlags) error {
	return gi.openLocked(ctx)
}

func (gi *GroupImporter) openLocked(ctx context.Context) error {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	if gi.closed {
		return importer.ErrClosed
	}
	if gi.meta != nil {
		return nil
	}
	if len(gi.group.Positions) == 0 {
		return fmt.Errorf("group %s: no positions", gi.group.Ident.Name())
	}

	first, err := gi.importerFor(ctx, gi.group.Positions[0].Path)
	if err != nil {
		return err
	}
	fm, err := first.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("metadata for %s: %w", gi.group.Positions[0].Path, err)
	}
	gi.fileMeta = fm

	// The combined extents are the group bounding box scaled by the
	// per-file extents. Multi-series files only contribute their extra
	// series when the groupable-series policy allows it.
	numSeries := gi.group.NumSeries()
	if fm.NumSeries() > 1 && gi.policy(fm) {
		numSeries *= fm.NumSeries()
	}
	meta := &models.Metadata{
		SizeX:    fm.SizeX,
		SizeY:    fm.SizeY,
		SizeZ:    gi.group.SizeZ() * fm.SizeZ,
		SizeT:    gi.group.SizeT() * fm.SizeT,
		SizeC:    gi.group.SizeC() * fm.SizeC,
		DataType: fm.DataType,
	}
	for s := 0; s < numSeries; s++ {
		meta.Series = append(meta.Series, models.SeriesInfo{
			SizeX: meta.SizeX, SizeY: meta.SizeY,
			SizeZ: meta.SizeZ, SizeT: meta.SizeT, SizeC: meta.SizeC,
			DataType: meta.DataType,
		})
	}
	gi.meta = meta
	gi.log.Debug().Str("group", gi.group.Ident.Name()).
		Int("sizeT", meta.SizeT).Int("sizeZ", meta.SizeZ).Int("sizeC", meta.SizeC).
		Msg("group metadata synthesized")
	return nil
}

// Metadata returns the combined metadata, building it on first use.
func (gi *GroupImporter) Metadata(ctx context.Context) (*models.Metadata, error) {
	if err := gi.openLocked(ctx); err != nil {
		return nil, err
	}
	return gi.meta, nil
}

// Image retrieves the plane at the given coordinate from whichever file
// holds it. A coordinate with no backing file yields ErrMissingPlane; the
// caller substitutes a blank plane.
func (gi *GroupImporter) Image(ctx context.Context, series, resolution int, region *models.Region, z, t, channel int) (*models.Plane, error) {
	if err := gi.openLocked(ctx); err != nil {
		return nil, err
	}
	fm := gi.fileMeta

	if channel < 0 && gi.group.SizeC() > 1 {
		return gi.mergeChannels(ctx, series, resolution, region, z, t)
	}

	zOuter, zInner := z/fm.SizeZ, z%fm.SizeZ
	tOuter, tInner := t/fm.SizeT, t%fm.SizeT
	cOuter, cInner := 0, channel
	if channel >= 0 && fm.SizeC > 0 {
		cOuter, cInner = channel/fm.SizeC, channel%fm.SizeC
	}

	pos, ok := gi.group.Lookup(tOuter, zOuter, cOuter, series)
	if !ok {
		return nil, fmt.Errorf("%w: group %s has no file at (T%d,Z%d,C%d,S%d)",
			importer.ErrMissingPlane, gi.group.Ident.Name(), tOuter, zOuter, cOuter, series)
	}

	gi.mu.Lock()
	defer gi.mu.Unlock()
	if gi.closed {
		return nil, importer.ErrClosed
	}
	imp, err := gi.importerFor(ctx, pos.Path)
	if err != nil {
		return nil, err
	}
	return imp.Image(ctx, 0, resolution, region, zInner, tInner, cInner)
}

// mergeChannels assembles an all-channel plane from per-channel files.
// Channels with no backing file stay blank.
func (gi *GroupImporter) mergeChannels(ctx context.Context, series, resolution int, region *models.Region, z, t int) (*models.Plane, error) {
	sizeC := gi.meta.SizeC
	var out *models.Plane
	for c := 0; c < sizeC; c++ {
		ch, err := gi.Image(ctx, series, resolution, region, z, t, c)
		if err != nil {
			if errors.Is(err, importer.ErrMissingPlane) {
				continue
			}
			return nil, err
		}
		if out == nil {
			out = models.NewPlane(ch.Width, ch.Height, sizeC, ch.DataType)
		}
		for i := 0; i < ch.Width*ch.Height; i++ {
			out.Pix[i*sizeC+c] = ch.Pix[i]
		}
	}
	if out == nil {
		return nil, fmt.Errorf("%w: group %s has no file at (Z%d,T%d)",
			importer.ErrMissingPlane, gi.group.Ident.Name(), z, t)
	}
	return out, nil
}

// Thumbnail delegates to the file holding the group's first position.
func (gi *GroupImporter) Thumbnail(ctx context.Context, series int) (*models.Plane, error) {
	if err := gi.openLocked(ctx); err != nil {
		return nil, err
	}
	gi.mu.Lock()
	defer gi.mu.Unlock()
	if gi.closed {
		return nil, importer.ErrClosed
	}
	imp, err := gi.importerFor(ctx, gi.group.Positions[0].Path)
	if err != nil {
		return nil, err
	}
	return imp.Thumbnail(ctx, 0)
}

// Path returns the group display name.
func (gi *GroupImporter) Path() string {
	if gi.closed {
		return ""
	}
	return gi.group.Ident.Name()
}

// Kind reports that this importer dispatches over a group of files.
func (gi *GroupImporter) Kind() importer.Kind { return importer.KindGroup }

// Close releases every cached per-file importer.
func (gi *GroupImporter) Close() error {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	if gi.closed {
		return nil
	}
	gi.closed = true
	var firstErr error
	for path, imp := range gi.open {
		if err := imp.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", path, err)
		}
	}
	gi.open = nil
	return firstErr
}

// importerFor returns the cached per-file importer for a path, opening it on
// first use. Callers must hold gi.mu.
func (gi *GroupImporter) importerFor(ctx context.Context, path string) (importer.Importer, error) {
	if imp, ok := gi.open[path]; ok {
		return imp, nil
	}
	imp := gi.group.Importer.New()
	if err := imp.Open(ctx, path, importer.OpenDefault); err != nil {
		return nil, err
	}
	gi.open[path] = imp
	return imp, nil
}
