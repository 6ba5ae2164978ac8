// Package volume holds dense 3-D scalar and vector volumes together with the
// geometry that maps voxel indices to physical (mm) coordinates.
package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidHeader is returned when a header cannot describe a volume.
// Use errors.Is(err, ErrInvalidHeader) to check for this error.
var ErrInvalidHeader = errors.New("invalid volume header")

// Identity is the direction-cosine matrix of an axis-aligned volume.
var Identity = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Header describes the sampling grid of a volume.
//
// Voxels are stored x-fastest: index = (k*Dim[1]+j)*Dim[0]+i.
// Direction is a row-major 3x3 matrix whose columns are the physical
// directions of the i, j and k axes.
type Header struct {
	Dim       [3]int     `json:"dim" yaml:"dim"`
	Origin    [3]float64 `json:"origin" yaml:"origin"`
	Spacing   [3]float64 `json:"spacing" yaml:"spacing"`
	Direction [9]float64 `json:"direction" yaml:"direction"`
}

// NewHeader returns an axis-aligned header.
func NewHeader(dim [3]int, origin, spacing [3]float64) Header {
	return Header{
		Dim:       dim,
		Origin:    origin,
		Spacing:   spacing,
		Direction: Identity,
	}
}

// Validate checks that the header describes a non-empty, invertible grid.
func (h Header) Validate() error {
	for d := 0; d < 3; d++ {
		if h.Dim[d] <= 0 {
			return fmt.Errorf("%w: dim[%d] = %d", ErrInvalidHeader, d, h.Dim[d])
		}
		if !(h.Spacing[d] > 0) || math.IsInf(h.Spacing[d], 0) {
			return fmt.Errorf("%w: spacing[%d] = %g", ErrInvalidHeader, d, h.Spacing[d])
		}
	}
	step := h.Step()
	if det := mat.Det(mat.NewDense(3, 3, step[:])); math.Abs(det) < 1e-12 {
		return fmt.Errorf("%w: singular direction matrix (det %g)", ErrInvalidHeader, det)
	}
	return nil
}

// NumVoxels returns the total number of voxels.
func (h Header) NumVoxels() int {
	return h.Dim[0] * h.Dim[1] * h.Dim[2]
}

// Index returns the linear index of voxel (i, j, k).
func (h Header) Index(i, j, k int) int {
	return (k*h.Dim[1]+j)*h.Dim[0] + i
}

// Contains reports whether (i, j, k) lies on the grid.
func (h Header) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < h.Dim[0] && j < h.Dim[1] && k < h.Dim[2]
}

// Step returns Direction * diag(Spacing), the index-to-physical matrix.
func (h Header) Step() [9]float64 {
	var step [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			step[r*3+c] = h.Direction[r*3+c] * h.Spacing[c]
		}
	}
	return step
}

// SameGrid reports whether two headers describe the same sampling grid.
func (h Header) SameGrid(o Header) bool {
	const tol = 1e-6
	if h.Dim != o.Dim {
		return false
	}
	for d := 0; d < 3; d++ {
		if math.Abs(h.Origin[d]-o.Origin[d]) > tol || math.Abs(h.Spacing[d]-o.Spacing[d]) > tol {
			return false
		}
	}
	for i := range h.Direction {
		if math.Abs(h.Direction[i]-o.Direction[i]) > tol {
			return false
		}
	}
	return true
}

// Mapping converts between voxel indices and physical coordinates.
// It is computed once per header and is safe for concurrent use.
type Mapping struct {
	Origin [3]float64
	Step   [9]float64
	Proj   [9]float64
}

// Mapping inverts the step matrix of the header.
func (h Header) Mapping() (Mapping, error) {
	if err := h.Validate(); err != nil {
		return Mapping{}, err
	}

	step := h.Step()
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, step[:])); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return Mapping{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
	}

	m := Mapping{Origin: h.Origin, Step: step}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Proj[r*3+c] = inv.At(r, c)
		}
	}
	return m, nil
}

// Physical returns the physical position of the continuous index idx.
func (m *Mapping) Physical(idx [3]float64) [3]float64 {
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = m.Origin[r] + m.Step[r*3+0]*idx[0] + m.Step[r*3+1]*idx[1] + m.Step[r*3+2]*idx[2]
	}
	return p
}

// ContinuousIndex returns the continuous voxel index of physical position p.
func (m *Mapping) ContinuousIndex(p [3]float64) [3]float64 {
	dx := p[0] - m.Origin[0]
	dy := p[1] - m.Origin[1]
	dz := p[2] - m.Origin[2]
	var idx [3]float64
	for r := 0; r < 3; r++ {
		idx[r] = m.Proj[r*3+0]*dx + m.Proj[r*3+1]*dy + m.Proj[r*3+2]*dz
	}
	return idx
}

// IndexGradientToPhysical converts a derivative taken along the index axes
// into a derivative with respect to physical coordinates.
func (m *Mapping) IndexGradientToPhysical(g [3]float64) [3]float64 {
	var out [3]float64
	for c := 0; c < 3; c++ {
		out[c] = g[0]*m.Proj[0*3+c] + g[1]*m.Proj[1*3+c] + g[2]*m.Proj[2*3+c]
	}
	return out
}
