package models

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradientPlane(w, h, channels int) *Plane {
	p := NewPlane(w, h, channels, DataTypeUint8)
	for i := range p.Pix {
		p.Pix[i] = float64(i) / float64(len(p.Pix))
	}
	return p
}

func TestPlaneAtSet(t *testing.T) {
	t.Parallel()

	p := NewPlane(4, 3, 2, DataTypeUint16)
	p.Set(2, 1, 1, 0.5)
	assert.Equal(t, 0.5, p.At(2, 1, 1))
	assert.Equal(t, 0.0, p.At(2, 1, 0))
	assert.Len(t, p.Pix, 4*3*2)
}

func TestPlaneClone(t *testing.T) {
	t.Parallel()

	p := gradientPlane(4, 4, 1)
	c := p.Clone()
	require.True(t, p.CompatibleWith(c))

	c.Set(0, 0, 0, 0.99)
	assert.NotEqual(t, p.At(0, 0, 0), c.At(0, 0, 0), "clone must not share pixels")
}

func TestPlaneCompatibleWith(t *testing.T) {
	t.Parallel()

	p := NewPlane(4, 4, 1, DataTypeUint8)
	assert.True(t, p.CompatibleWith(NewPlane(4, 4, 1, DataTypeUint8)))
	assert.False(t, p.CompatibleWith(NewPlane(8, 4, 1, DataTypeUint8)))
	assert.False(t, p.CompatibleWith(NewPlane(4, 4, 3, DataTypeUint8)))
	assert.False(t, p.CompatibleWith(NewPlane(4, 4, 1, DataTypeFloat32)))
	assert.False(t, p.CompatibleWith(nil))
}

func TestPlaneChannelBounds(t *testing.T) {
	t.Parallel()

	p := NewPlane(2, 2, 1, DataTypeUint8)
	copy(p.Pix, []float64{0.3, 0.1, 0.9, 0.5})
	min, max := p.ChannelBounds(0)
	assert.Equal(t, 0.1, min)
	assert.Equal(t, 0.9, max)
}

func TestPlaneChannelStats(t *testing.T) {
	t.Parallel()

	p := NewPlane(2, 2, 1, DataTypeUint8)
	copy(p.Pix, []float64{0.2, 0.4, 0.4, 0.6})
	mean, stddev := p.ChannelStats(0)
	assert.InDelta(t, 0.4, mean, 1e-12)
	assert.Greater(t, stddev, 0.0)
}

func TestPlaneCrop(t *testing.T) {
	t.Parallel()

	p := gradientPlane(8, 8, 1)
	c := p.Crop(Region{X: 2, Y: 3, Width: 4, Height: 2})
	require.Equal(t, 4, c.Width)
	require.Equal(t, 2, c.Height)
	assert.Equal(t, p.At(2, 3, 0), c.At(0, 0, 0))
	assert.Equal(t, p.At(5, 4, 0), c.At(3, 1, 0))
}

func TestPlaneCropClamps(t *testing.T) {
	t.Parallel()

	p := gradientPlane(4, 4, 1)
	c := p.Crop(Region{X: 2, Y: 2, Width: 100, Height: 100})
	assert.Equal(t, 2, c.Width)
	assert.Equal(t, 2, c.Height)
}

func TestPlaneDownsample(t *testing.T) {
	t.Parallel()

	p := gradientPlane(8, 6, 1)

	d := p.Downsample(1)
	require.Equal(t, 4, d.Width)
	require.Equal(t, 3, d.Height)
	assert.Equal(t, p.At(0, 0, 0), d.At(0, 0, 0))
	assert.Equal(t, p.At(2, 2, 0), d.At(1, 1, 0))

	same := p.Downsample(0)
	assert.Empty(t, cmp.Diff(p.Pix, same.Pix))
}

func TestPlaneDownsampleNeverEmpty(t *testing.T) {
	t.Parallel()

	p := gradientPlane(3, 3, 1)
	d := p.Downsample(4)
	assert.Equal(t, 1, d.Width)
	assert.Equal(t, 1, d.Height)
}

func TestPlaneBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	p := gradientPlane(5, 3, 2)
	raw, err := p.MarshalBinary()
	require.NoError(t, err)

	var got Plane
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Empty(t, cmp.Diff(p, &got))
}

func TestPlaneUnmarshalTruncated(t *testing.T) {
	t.Parallel()

	p := gradientPlane(4, 4, 1)
	raw, err := p.MarshalBinary()
	require.NoError(t, err)

	var got Plane
	assert.Error(t, got.UnmarshalBinary(raw[:len(raw)-8]))
	assert.Error(t, got.UnmarshalBinary(raw[:10]))
}

func TestRegionClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Region
		want Region
	}{
		{"inside", Region{X: 1, Y: 1, Width: 2, Height: 2}, Region{X: 1, Y: 1, Width: 2, Height: 2}},
		{"negative origin", Region{X: -2, Y: -1, Width: 6, Height: 5}, Region{X: 0, Y: 0, Width: 4, Height: 4}},
		{"overflow", Region{X: 6, Y: 6, Width: 4, Height: 4}, Region{X: 6, Y: 6, Width: 2, Height: 2}},
		{"fully outside", Region{X: 20, Y: 20, Width: 4, Height: 4}, Region{X: 20, Y: 20, Width: 0, Height: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Clamp(8, 8))
		})
	}
}

func TestRegionEmpty(t *testing.T) {
	t.Parallel()

	var nilRegion *Region
	assert.True(t, nilRegion.Empty())
	assert.True(t, (&Region{}).Empty())
	assert.False(t, (&Region{Width: 1, Height: 1}).Empty())
}

func TestMetadataSeriesFallback(t *testing.T) {
	t.Parallel()

	m := &Metadata{SizeX: 10, SizeY: 20, SizeZ: 3, SizeT: 4, SizeC: 2}
	assert.Equal(t, 1, m.NumSeries())

	s := m.SeriesAt(0)
	assert.Equal(t, 10, s.SizeX)
	assert.Equal(t, 4, s.SizeT)

	m.Series = append(m.Series, SeriesInfo{SizeX: 5, SizeT: 1}, SeriesInfo{SizeX: 6, SizeT: 1})
	assert.Equal(t, 2, m.NumSeries())
	assert.Equal(t, 6, m.SeriesAt(1).SizeX)
}

func TestDefaultAccessor(t *testing.T) {
	t.Parallel()

	var acc DefaultAccessor
	m := &Metadata{SizeX: 8, SizeY: 8, SizeZ: 2, SizeT: 3, SizeC: 1}

	assert.Equal(t, 8, acc.GetSizeX(m, 0))
	assert.Equal(t, 3, acc.GetSizeT(m, 0))

	acc.SetSize(m, 0, 16, 16, 4, 3, 1)
	assert.Equal(t, 16, m.SizeX)
	assert.Equal(t, 4, acc.GetSizeZ(m, 0))
}

func TestSourceDescriptorKey(t *testing.T) {
	t.Parallel()

	full := &SourceDescriptor{Series: 0, Resolution: 1, Z: 3, T: 7, Channel: -1}
	assert.Equal(t, "s0/r1/full/z3/t7/c-1", full.Key())

	crop := &SourceDescriptor{Region: &Region{X: 1, Y: 2, Width: 3, Height: 4}, Z: 0, T: 0}
	assert.Equal(t, "s0/r0/1,2 3x4/z0/t0/c0", crop.Key())
}
