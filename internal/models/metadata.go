package models

// SeriesInfo describes one independent image dataset within a source file.
type SeriesInfo struct {
	// SizeX, SizeY are the plane dimensions in pixels
	SizeX, SizeY int

	// SizeZ, SizeT, SizeC are the depth, time and channel extents
	SizeZ, SizeT, SizeC int

	// DataType is the sample type of this series
	DataType DataType
}

// Metadata describes the dimensions of an opened image resource.
// The top-level sizes mirror the first series; per-series extents are listed
// in Series.
type Metadata struct {
	// SizeX, SizeY are the plane dimensions in pixels
	SizeX, SizeY int

	// SizeZ is the number of Z slices
	SizeZ int

	// SizeT is the number of time points
	SizeT int

	// SizeC is the number of channels
	SizeC int

	// DataType is the sample type of the pixel data
	DataType DataType

	// Series lists the extents of every series in the resource
	Series []SeriesInfo
}

// NumSeries returns the number of series described by the metadata.
func (m *Metadata) NumSeries() int {
	if len(m.Series) == 0 {
		return 1
	}
	return len(m.Series)
}

// SeriesAt returns the extents of the given series, falling back to the
// top-level sizes when the series list is empty.
func (m *Metadata) SeriesAt(series int) SeriesInfo {
	if series >= 0 && series < len(m.Series) {
		return m.Series[series]
	}
	return SeriesInfo{
		SizeX:    m.SizeX,
		SizeY:    m.SizeY,
		SizeZ:    m.SizeZ,
		SizeT:    m.SizeT,
		SizeC:    m.SizeC,
		DataType: m.DataType,
	}
}

// MetadataAccessor is the small numeric interface through which the core
// forwards size and position operations to an opaque metadata store.
// The core never parses stored metadata directly.
type MetadataAccessor interface {
	GetSizeX(m *Metadata, series int) int
	GetSizeY(m *Metadata, series int) int
	GetSizeZ(m *Metadata, series int) int
	GetSizeT(m *Metadata, series int) int
	GetSizeC(m *Metadata, series int) int
	SetSize(m *Metadata, series, sizeX, sizeY, sizeZ, sizeT, sizeC int)
	RemovePlane(m *Metadata, series, z, t, c int)
}

// DefaultAccessor is the in-memory MetadataAccessor used when no external
// metadata store is wired in.
type DefaultAccessor struct{}

func (DefaultAccessor) GetSizeX(m *Metadata, series int) int { return m.SeriesAt(series).SizeX }
func (DefaultAccessor) GetSizeY(m *Metadata, series int) int { return m.SeriesAt(series).SizeY }
func (DefaultAccessor) GetSizeZ(m *Metadata, series int) int { return m.SeriesAt(series).SizeZ }
func (DefaultAccessor) GetSizeT(m *Metadata, series int) int { return m.SeriesAt(series).SizeT }
func (DefaultAccessor) GetSizeC(m *Metadata, series int) int { return m.SeriesAt(series).SizeC }

func (DefaultAccessor) SetSize(m *Metadata, series, sizeX, sizeY, sizeZ, sizeT, sizeC int) {
	for len(m.Series) <= series {
		m.Series = append(m.Series, m.SeriesAt(len(m.Series)))
	}
	m.Series[series] = SeriesInfo{
		SizeX: sizeX, SizeY: sizeY, SizeZ: sizeZ, SizeT: sizeT, SizeC: sizeC,
		DataType: m.Series[series].DataType,
	}
	if series == 0 {
		m.SizeX, m.SizeY, m.SizeZ, m.SizeT, m.SizeC = sizeX, sizeY, sizeZ, sizeT, sizeC
	}
}

func (DefaultAccessor) RemovePlane(m *Metadata, series, z, t, c int) {
	s := m.SeriesAt(series)
	if s.SizeZ > 0 {
		s.SizeZ--
	}
	DefaultAccessor{}.SetSize(m, series, s.SizeX, s.SizeY, s.SizeZ, s.SizeT, s.SizeC)
}
