package models

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DataType identifies the sample type of the original pixel data.
// Samples are held in memory as float64 in the [0,1] range regardless of
// the source type; DataType is kept for compatibility checks and for
// computing the memory cost of a decoded volume.
type DataType int

const (
	// DataTypeUint8 is 8-bit unsigned integer samples.
	DataTypeUint8 DataType = iota

	// DataTypeUint16 is 16-bit unsigned integer samples.
	DataTypeUint16

	// DataTypeFloat32 is 32-bit floating point samples.
	DataTypeFloat32
)

// SampleSize returns the size in bytes of one sample of this type.
func (d DataType) SampleSize() int {
	switch d {
	case DataTypeUint8:
		return 1
	case DataTypeUint16:
		return 2
	case DataTypeFloat32:
		return 4
	}
	return 0
}

// String returns a short name for the data type.
func (d DataType) String() string {
	switch d {
	case DataTypeUint8:
		return "uint8"
	case DataTypeUint16:
		return "uint16"
	case DataTypeFloat32:
		return "float32"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Region is a rectangular sub-area of a plane in pixel coordinates.
// A nil *Region always means the full extent.
type Region struct {
	// X, Y is the top-left corner of the region
	X, Y int

	// Width, Height are the region dimensions in pixels
	Width, Height int
}

// Empty reports whether the region has no area.
func (r *Region) Empty() bool {
	return r == nil || r.Width <= 0 || r.Height <= 0
}

// Clamp restricts the region to a w x h plane and returns the result.
func (r Region) Clamp(w, h int) Region {
	if r.X < 0 {
		r.Width += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.Height += r.Y
		r.Y = 0
	}
	if r.X+r.Width > w {
		r.Width = w - r.X
	}
	if r.Y+r.Height > h {
		r.Height = h - r.Y
	}
	if r.Width < 0 {
		r.Width = 0
	}
	if r.Height < 0 {
		r.Height = 0
	}
	return r
}

// String formats the region as "x,y wxh".
func (r Region) String() string {
	return fmt.Sprintf("%d,%d %dx%d", r.X, r.Y, r.Width, r.Height)
}

// Plane is a single 2D multi-channel pixel buffer at one (T,Z) coordinate.
// Samples are stored interleaved in row-major order: the sample for channel c
// at (x,y) lives at index (y*Width+x)*Channels + c.
type Plane struct {
	// Width and Height are the plane dimensions in pixels
	Width, Height int

	// Channels is the number of interleaved components per pixel
	Channels int

	// DataType records the sample type of the source data
	DataType DataType

	// Pix holds the normalized samples in [0,1]
	Pix []float64
}

// NewPlane allocates a zero-filled plane.
func NewPlane(w, h, channels int, dtype DataType) *Plane {
	return &Plane{
		Width:    w,
		Height:   h,
		Channels: channels,
		DataType: dtype,
		Pix:      make([]float64, w*h*channels),
	}
}

// At returns the sample for channel c at (x, y).
func (p *Plane) At(x, y, c int) float64 {
	return p.Pix[(y*p.Width+x)*p.Channels+c]
}

// Set stores the sample for channel c at (x, y).
func (p *Plane) Set(x, y, c int, v float64) {
	p.Pix[(y*p.Width+x)*p.Channels+c] = v
}

// Clone returns a deep copy of the plane.
func (p *Plane) Clone() *Plane {
	out := &Plane{
		Width:    p.Width,
		Height:   p.Height,
		Channels: p.Channels,
		DataType: p.DataType,
		Pix:      make([]float64, len(p.Pix)),
	}
	copy(out.Pix, p.Pix)
	return out
}

// CompatibleWith reports whether two planes share dimensions, channel count
// and data type, i.e. whether they can coexist in one sequence.
func (p *Plane) CompatibleWith(o *Plane) bool {
	if p == nil || o == nil {
		return false
	}
	return p.Width == o.Width && p.Height == o.Height &&
		p.Channels == o.Channels && p.DataType == o.DataType
}

// Channel gathers the samples of one channel into a contiguous slice.
func (p *Plane) Channel(c int) []float64 {
	out := make([]float64, p.Width*p.Height)
	for i := range out {
		out[i] = p.Pix[i*p.Channels+c]
	}
	return out
}

// ChannelBounds returns the min and max sample value of one channel.
func (p *Plane) ChannelBounds(c int) (min, max float64) {
	ch := p.Channel(c)
	if len(ch) == 0 {
		return 0, 0
	}
	return floats.Min(ch), floats.Max(ch)
}

// ChannelStats returns the mean and standard deviation of one channel.
func (p *Plane) ChannelStats(c int) (mean, stddev float64) {
	ch := p.Channel(c)
	if len(ch) == 0 {
		return 0, 0
	}
	mean = stat.Mean(ch, nil)
	stddev = math.Sqrt(stat.Variance(ch, nil))
	return mean, stddev
}

// Crop returns a copy of the plane restricted to the given region.
// The region is clamped to the plane extent first.
func (p *Plane) Crop(r Region) *Plane {
	r = r.Clamp(p.Width, p.Height)
	out := NewPlane(r.Width, r.Height, p.Channels, p.DataType)
	for y := 0; y < r.Height; y++ {
		srcOff := ((r.Y+y)*p.Width + r.X) * p.Channels
		dstOff := y * r.Width * p.Channels
		copy(out.Pix[dstOff:dstOff+r.Width*p.Channels], p.Pix[srcOff:srcOff+r.Width*p.Channels])
	}
	return out
}

// Downsample returns the plane reduced by 2^level in each dimension using
// point sampling. Level 0 returns a clone.
func (p *Plane) Downsample(level int) *Plane {
	if level <= 0 {
		return p.Clone()
	}
	step := 1 << level
	w := p.Width >> level
	h := p.Height >> level
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := NewPlane(w, h, p.Channels, p.DataType)
	for y := 0; y < h; y++ {
		sy := y * step
		if sy >= p.Height {
			sy = p.Height - 1
		}
		for x := 0; x < w; x++ {
			sx := x * step
			if sx >= p.Width {
				sx = p.Width - 1
			}
			for c := 0; c < p.Channels; c++ {
				out.Set(x, y, c, p.At(sx, sy, c))
			}
		}
	}
	return out
}

// MarshalBinary encodes the plane into a self-describing byte buffer.
func (p *Plane) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	hdr := []int64{int64(p.Width), int64(p.Height), int64(p.Channels), int64(p.DataType)}
	for _, v := range hdr {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, p.Pix); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a plane previously encoded with MarshalBinary.
func (p *Plane) UnmarshalBinary(data []byte) error {
	buf := bytes.NewReader(data)
	var hdr [4]int64
	for i := range hdr {
		if err := binary.Read(buf, binary.LittleEndian, &hdr[i]); err != nil {
			return fmt.Errorf("plane header: %w", err)
		}
	}
	p.Width = int(hdr[0])
	p.Height = int(hdr[1])
	p.Channels = int(hdr[2])
	p.DataType = DataType(hdr[3])
	n := p.Width * p.Height * p.Channels
	if n < 0 || buf.Len() != n*8 {
		return fmt.Errorf("plane payload: have %d bytes, want %d", buf.Len(), n*8)
	}
	p.Pix = make([]float64, n)
	if err := binary.Read(buf, binary.LittleEndian, p.Pix); err != nil {
		return fmt.Errorf("plane payload: %w", err)
	}
	return nil
}
