package sequence

import "sort"

// VolumetricImage is a sparse ordered map from Z index to a plane slot.
// It is owned exclusively by one sequence, whose lock guards all access;
// the type itself carries no locking. Slots are pruned on removal so the
// map never holds nil entries long-term.
type VolumetricImage struct {
	planes map[int]*LazyPlane
}

// NewVolumetricImage returns an empty volume.
func NewVolumetricImage() *VolumetricImage {
	return &VolumetricImage{planes: make(map[int]*LazyPlane)}
}

// SetPlane installs a slot at the given Z, taking ownership. A nil slot
// removes the entry.
func (v *VolumetricImage) SetPlane(z int, lp *LazyPlane) {
	if lp == nil {
		delete(v.planes, z)
		return
	}
	v.planes[z] = lp
}

// Plane returns the slot at the given Z, or nil.
func (v *VolumetricImage) Plane(z int) *LazyPlane {
	return v.planes[z]
}

// ZIndices returns the occupied Z indices in increasing order.
func (v *VolumetricImage) ZIndices() []int {
	out := make([]int, 0, len(v.planes))
	for z := range v.planes {
		out = append(out, z)
	}
	sort.Ints(out)
	return out
}

// SizeZ returns the depth extent: the highest occupied Z plus one.
func (v *VolumetricImage) SizeZ() int {
	max := -1
	for z := range v.planes {
		if z > max {
			max = z
		}
	}
	return max + 1
}

// NumPlanes returns the number of occupied slots.
func (v *VolumetricImage) NumPlanes() int {
	return len(v.planes)
}
