package models

import (
	"context"
	"fmt"
)

// PlaneSource retrieves a single plane from an opened image resource.
// Implementations are the importer backends; decode must be a pure function
// of its arguments so evicted planes can be re-derived bit for bit.
type PlaneSource interface {
	// Image returns the plane at the given coordinate. A negative channel
	// requests all channels interleaved. A nil region means the full plane.
	Image(ctx context.Context, series, resolution int, region *Region, z, t, channel int) (*Plane, error)
}

// SourceDescriptor records where a lazy plane's pixels come from, so they can
// be decoded on demand or re-derived after eviction.
type SourceDescriptor struct {
	// Source is the importer that can decode the plane
	Source PlaneSource

	// Series is the series index within the source
	Series int

	// Resolution is the power-of-two downsampling level, 0 = full
	Resolution int

	// Region restricts decoding to a sub-area; nil means the full plane
	Region *Region

	// Z, T are the slice and time coordinates within the source
	Z, T int

	// Channel is the channel to decode, or -1 for all channels
	Channel int
}

// Fetch decodes the plane this descriptor points at.
func (s *SourceDescriptor) Fetch(ctx context.Context) (*Plane, error) {
	return s.Source.Image(ctx, s.Series, s.Resolution, s.Region, s.Z, s.T, s.Channel)
}

// Key returns a stable identifier for the coordinate part of the descriptor,
// used to deduplicate concurrent decodes and to key the eviction cache.
func (s *SourceDescriptor) Key() string {
	region := "full"
	if !s.Region.Empty() {
		region = s.Region.String()
	}
	return fmt.Sprintf("s%d/r%d/%s/z%d/t%d/c%d", s.Series, s.Resolution, region, s.Z, s.T, s.Channel)
}
