package grouping

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"microseq/internal/models"
	"microseq/pkg/importer"
)

// fakeBackend is a shared in-memory importer backend for grouping tests.
// Every file it "opens" is a single plane whose samples all carry the value
// registered for that path, so tests can verify which file served a request.
type fakeBackend struct {
	exts   map[string]bool
	meta   models.Metadata
	values map[string]float64
	opens  int32
}

func newFakeBackend(exts ...string) *fakeBackend {
	m := make(map[string]bool)
	for _, e := range exts {
		m[e] = true
	}
	return &fakeBackend{
		exts:   m,
		meta:   models.Metadata{SizeX: 4, SizeY: 4, SizeZ: 1, SizeT: 1, SizeC: 1, DataType: models.DataTypeUint8},
		values: make(map[string]float64),
	}
}

func (b *fakeBackend) entry() importer.Entry {
	return importer.Entry{Name: "fake", New: func() importer.Importer { return &fakePlaneImporter{backend: b} }}
}

func (b *fakeBackend) registry() *importer.Registry {
	reg := importer.NewRegistry()
	e := b.entry()
	reg.Register(e.Name, e.New)
	return reg
}

type fakePlaneImporter struct {
	backend *fakeBackend
	path    string
}

func (f *fakePlaneImporter) Accept(path string) bool {
	return f.backend.exts[strings.ToLower(filepath.Ext(path))]
}

func (f *fakePlaneImporter) Open(ctx context.Context, path string, flags importer.OpenFlags) error {
	atomic.AddInt32(&f.backend.opens, 1)
	f.path = path
	return nil
}

func (f *fakePlaneImporter) Metadata(ctx context.Context) (*models.Metadata, error) {
	if f.path == "" {
		return nil, importer.ErrClosed
	}
	m := f.backend.meta
	return &m, nil
}

func (f *fakePlaneImporter) Image(ctx context.Context, series, resolution int, region *models.Region, z, t, channel int) (*models.Plane, error) {
	if f.path == "" {
		return nil, importer.ErrClosed
	}
	m := f.backend.meta
	if series != 0 || z < 0 || z >= m.SizeZ || t < 0 || t >= m.SizeT || channel >= m.SizeC {
		return nil, fmt.Errorf("%w: z=%d t=%d c=%d in %s", importer.ErrMissingPlane, z, t, channel, f.path)
	}
	channels := m.SizeC
	if channel >= 0 {
		channels = 1
	}
	p := models.NewPlane(m.SizeX, m.SizeY, channels, m.DataType)
	v := f.backend.values[f.path]
	for i := range p.Pix {
		p.Pix[i] = v
	}
	return p, nil
}

func (f *fakePlaneImporter) Thumbnail(ctx context.Context, series int) (*models.Plane, error) {
	return f.Image(ctx, series, 0, nil, 0, 0, -1)
}

func (f *fakePlaneImporter) Path() string { return f.path }

func (f *fakePlaneImporter) Kind() importer.Kind { return importer.KindSingleFile }

func (f *fakePlaneImporter) Close() error {
	f.path = ""
	return nil
}
