// Package grouping decides which importer reads each file of an arbitrary
// path set and how individual files combine into logical multi-dimensional
// acquisitions.
package grouping

import (
	"fmt"
	"sort"

	"microseq/pkg/importer"
)

// Position locates one file within a logical acquisition. Positions are
// created once during grouping and never mutated.
type Position struct {
	// Path is the file holding the plane data
	Path string

	// T, Z, C are the 0-based time, slice and channel indices
	T, Z, C int

	// Series is the series index within multi-dataset sources
	Series int
}

func (p Position) coord() coord {
	return coord{t: p.T, z: p.Z, c: p.C, s: p.Series}
}

type coord struct {
	t, z, c, s int
}

// Ident is the shared identity of a file group.
type Ident struct {
	// Base is the common filename stem with position tokens stripped
	Base string

	// Dir is the directory holding the group's files
	Dir string

	// FromDirectory is true when the group is the sole result of expanding
	// a directory given as the only input path
	FromDirectory bool
}

// Name returns a display name for the group.
func (id Ident) Name() string {
	if id.Base != "" {
		return id.Base
	}
	return id.Dir
}

// Conflict records a file dropped from a group because another file already
// claimed its coordinate.
type Conflict struct {
	// Path is the dropped file
	Path string

	// Kept is the file that already occupied the coordinate
	Kept string

	// At is the contested coordinate
	At Position
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s dropped: (T%d,Z%d,C%d,S%d) already held by %s",
		c.Path, c.At.T, c.At.Z, c.At.C, c.At.Series, c.Kept)
}

// Group is a set of files inferred to jointly represent one logical
// multi-dimensional acquisition. Within a group no two positions share a
// (T,Z,C,Series) tuple; conflicting files are rejected, not overwritten.
type Group struct {
	// Ident is the group's shared identity
	Ident Ident

	// Importer is the backend chosen to read every file of the group
	Importer importer.Entry

	// Positions holds the member files, ordered by (Series, T, Z, C)
	Positions []Position

	// Conflicts lists files rejected under the coordinate-uniqueness rule
	Conflicts []Conflict

	byCoord map[coord]int
}

// NewGroup returns an empty group with the given identity and backend.
func NewGroup(id Ident, entry importer.Entry) *Group {
	return &Group{
		Ident:    id,
		Importer: entry,
		byCoord:  make(map[coord]int),
	}
}

// Add inserts a position. When the coordinate is already taken the position
// is rejected, a conflict is recorded, and Add returns false.
func (g *Group) Add(pos Position) bool {
	if i, ok := g.byCoord[pos.coord()]; ok {
		g.Conflicts = append(g.Conflicts, Conflict{
			Path: pos.Path,
			Kept: g.Positions[i].Path,
			At:   pos,
		})
		return false
	}
	g.byCoord[pos.coord()] = len(g.Positions)
	g.Positions = append(g.Positions, pos)
	return true
}

// Lookup returns the position holding the given coordinate.
func (g *Group) Lookup(t, z, c, series int) (Position, bool) {
	i, ok := g.byCoord[coord{t: t, z: z, c: c, s: series}]
	if !ok {
		return Position{}, false
	}
	return g.Positions[i], true
}

// sortPositions orders members by (Series, T, Z, C) and rebuilds the index.
func (g *Group) sortPositions() {
	sort.Slice(g.Positions, func(i, j int) bool {
		a, b := g.Positions[i], g.Positions[j]
		if a.Series != b.Series {
			return a.Series < b.Series
		}
		if a.T != b.T {
			return a.T < b.T
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.C < b.C
	})
	for i, p := range g.Positions {
		g.byCoord[p.coord()] = i
	}
}

// SizeT returns the time extent of the group's bounding box.
func (g *Group) SizeT() int { return g.extent(func(p Position) int { return p.T }) }

// SizeZ returns the depth extent of the group's bounding box.
func (g *Group) SizeZ() int { return g.extent(func(p Position) int { return p.Z }) }

// SizeC returns the channel extent of the group's bounding box.
func (g *Group) SizeC() int { return g.extent(func(p Position) int { return p.C }) }

// NumSeries returns the series extent of the group's bounding box.
func (g *Group) NumSeries() int { return g.extent(func(p Position) int { return p.Series }) }

func (g *Group) extent(f func(Position) int) int {
	if len(g.Positions) == 0 {
		return 0
	}
	max := 0
	for _, p := range g.Positions {
		if v := f(p); v > max {
			max = v
		}
	}
	return max + 1
}
