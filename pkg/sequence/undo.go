package sequence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"microseq/internal/models"
)

// ErrNothingToUndo is returned by Undo and Redo on an empty log.
var ErrNothingToUndo = errors.New("nothing to undo")

// snapshot is one retained sequence state: a snappy-compressed deep copy of
// all resident plane data at the time it was taken.
type snapshot struct {
	label string
	data  []byte
}

// undoLog is a bounded undo/redo stack. When capacity overflows the oldest
// undo entry is evicted.
type undoLog struct {
	capacity int
	undo     []snapshot
	redo     []snapshot
}

func newUndoLog(capacity int) *undoLog {
	return &undoLog{capacity: capacity}
}

func (u *undoLog) push(s snapshot) {
	u.undo = append(u.undo, s)
	if len(u.undo) > u.capacity {
		u.undo = u.undo[1:]
	}
	u.redo = nil
}

// snapState is the serialized form of a snapshot.
type snapState struct {
	Name   string
	Planes []snapPlane
}

// snapPlane is one serialized plane slot.
type snapPlane struct {
	T, Z     int
	Volatile bool
	Data     []byte
}

// CreateUndoPoint captures a deep copy of the current plane data under the
// given label. The undo log is bounded; the oldest point is dropped on
// overflow and any redo history is cleared.
func (s *Sequence) CreateUndoPoint(label string) error {
	snap, err := s.capture(label)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo.push(snap)
	return nil
}

// Undo restores the most recent undo point, moving the current state onto
// the redo stack.
func (s *Sequence) Undo() error {
	s.mu.Lock()
	n := len(s.undo.undo)
	s.mu.Unlock()
	if n == 0 {
		return ErrNothingToUndo
	}

	current, err := s.capture("redo")
	if err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.undo.undo) == 0 {
		s.mu.Unlock()
		return ErrNothingToUndo
	}
	snap := s.undo.undo[len(s.undo.undo)-1]
	s.undo.undo = s.undo.undo[:len(s.undo.undo)-1]
	s.undo.redo = append(s.undo.redo, current)
	s.mu.Unlock()

	return s.restore(snap)
}

// Redo restores the most recently undone state.
func (s *Sequence) Redo() error {
	current, err := s.capture("undo")
	if err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.undo.redo) == 0 {
		s.mu.Unlock()
		return ErrNothingToUndo
	}
	snap := s.undo.redo[len(s.undo.redo)-1]
	s.undo.redo = s.undo.redo[:len(s.undo.redo)-1]
	s.undo.undo = append(s.undo.undo, current)
	if len(s.undo.undo) > s.undo.capacity {
		s.undo.undo = s.undo.undo[1:]
	}
	s.mu.Unlock()

	return s.restore(snap)
}

// capture serializes all resident planes into a compressed snapshot.
func (s *Sequence) capture(label string) (snapshot, error) {
	s.mu.Lock()
	state := snapState{Name: s.name}
	for t, vol := range s.vols {
		for _, z := range vol.ZIndices() {
			lp := vol.Plane(z)
			img := lp.Image()
			if img == nil {
				continue
			}
			raw, err := img.MarshalBinary()
			if err != nil {
				s.mu.Unlock()
				return snapshot{}, fmt.Errorf("snapshot plane (t=%d, z=%d): %w", t, z, err)
			}
			state.Planes = append(state.Planes, snapPlane{T: t, Z: z, Volatile: lp.Volatile(), Data: raw})
		}
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return snapshot{}, fmt.Errorf("snapshot encode: %w", err)
	}
	return snapshot{label: label, data: snappy.Encode(nil, buf.Bytes())}, nil
}

// restore replaces the container contents with a snapshot's planes.
func (s *Sequence) restore(snap snapshot) error {
	raw, err := snappy.Decode(nil, snap.data)
	if err != nil {
		return fmt.Errorf("snapshot decompress: %w", err)
	}
	var state snapState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		return fmt.Errorf("snapshot decode: %w", err)
	}

	s.mu.Lock()
	s.vols = make(map[int]*VolumetricImage)
	s.model = nil
	s.name = state.Name
	for _, sp := range state.Planes {
		var img models.Plane
		if err := img.UnmarshalBinary(sp.Data); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("snapshot plane (t=%d, z=%d): %w", sp.T, sp.Z, err)
		}
		vol := s.vols[sp.T]
		if vol == nil {
			vol = NewVolumetricImage()
			s.vols[sp.T] = vol
		}
		vol.SetPlane(sp.Z, NewResidentPlane(&img))
		if s.model == nil {
			s.model = &ColorModel{PlaneShape: ShapeOf(&img)}
		}
	}
	s.boundsDirty = true
	s.notifyLocked(ChangeEvent{Type: ChangeBatch, T: -1, Z: -1, Mutations: len(state.Planes)})
	return nil
}
