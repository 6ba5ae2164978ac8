package volume

import (
	"fmt"
	"math"
)

// Volume is a dense scalar volume.
type Volume struct {
	Header
	Data []float32
}

// New allocates a zero-filled volume.
func New(h Header) *Volume {
	return &Volume{Header: h, Data: make([]float32, h.NumVoxels())}
}

// FromData wraps an existing buffer. The buffer is not copied.
func FromData(h Header, data []float32) (*Volume, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if len(data) != h.NumVoxels() {
		return nil, fmt.Errorf("%w: data length %d, want %d", ErrInvalidHeader, len(data), h.NumVoxels())
	}
	return &Volume{Header: h, Data: data}, nil
}

// At returns the value of voxel (i, j, k).
func (v *Volume) At(i, j, k int) float32 {
	return v.Data[v.Index(i, j, k)]
}

// Set stores the value of voxel (i, j, k).
func (v *Volume) Set(i, j, k int, val float32) {
	v.Data[v.Index(i, j, k)] = val
}

// Fill evaluates fn at every voxel.
func (v *Volume) Fill(fn func(i, j, k int) float32) {
	n := 0
	for k := 0; k < v.Dim[2]; k++ {
		for j := 0; j < v.Dim[1]; j++ {
			for i := 0; i < v.Dim[0]; i++ {
				v.Data[n] = fn(i, j, k)
				n++
			}
		}
	}
}

// Trilinear samples the volume at a continuous index. Indices outside the
// grid are clamped to the border; use InBounds to decide whether a sample is
// meaningful.
func (v *Volume) Trilinear(idx [3]float64) float64 {
	c := newCell(idx, v.Dim)
	var val float64
	for n := 0; n < 8; n++ {
		val += c.w[n] * float64(v.Data[c.off[n]])
	}
	return val
}

// VectorVolume stores three interleaved components per voxel.
type VectorVolume struct {
	Header
	Data []float32
}

// NewVector allocates a zero-filled vector volume.
func NewVector(h Header) *VectorVolume {
	return &VectorVolume{Header: h, Data: make([]float32, 3*h.NumVoxels())}
}

// At returns the vector at voxel (i, j, k).
func (v *VectorVolume) At(i, j, k int) [3]float32 {
	n := 3 * v.Index(i, j, k)
	return [3]float32{v.Data[n], v.Data[n+1], v.Data[n+2]}
}

// Trilinear samples all three components at a continuous index.
func (v *VectorVolume) Trilinear(idx [3]float64) [3]float64 {
	c := newCell(idx, v.Dim)
	var out [3]float64
	for n := 0; n < 8; n++ {
		o := 3 * c.off[n]
		w := c.w[n]
		out[0] += w * float64(v.Data[o])
		out[1] += w * float64(v.Data[o+1])
		out[2] += w * float64(v.Data[o+2])
	}
	return out
}

// InBounds reports whether a continuous index can be sampled. Samples on
// the half-voxel border are included.
func InBounds(idx [3]float64, dim [3]int) bool {
	for d := 0; d < 3; d++ {
		if !(idx[d] >= -0.5 && idx[d] <= float64(dim[d])-0.5) {
			return false
		}
	}
	return true
}

// ClampLinear splits a continuous coordinate into the two neighbouring grid
// positions and their linear weights, clamped to [0, dmax].
func ClampLinear(ma float64, dmax int) (maf, mar int, fa1, fa2 float64) {
	if dmax <= 0 {
		return 0, 0, 1, 0
	}
	fl := math.Floor(ma)
	maf = int(fl)
	fa2 = ma - fl
	switch {
	case maf < 0:
		maf, mar, fa2 = 0, 0, 0
	case maf >= dmax:
		maf = dmax - 1
		mar = dmax
		fa2 = 1
	default:
		mar = maf + 1
	}
	return maf, mar, 1 - fa2, fa2
}

// cell holds the 8 linear offsets and weights of one trilinear sample.
type cell struct {
	off [8]int
	w   [8]float64
}

func newCell(idx [3]float64, dim [3]int) cell {
	xf, xr, fx1, fx2 := ClampLinear(idx[0], dim[0]-1)
	yf, yr, fy1, fy2 := ClampLinear(idx[1], dim[1]-1)
	zf, zr, fz1, fz2 := ClampLinear(idx[2], dim[2]-1)

	sy := dim[0]
	sz := dim[0] * dim[1]

	var c cell
	c.off = [8]int{
		zf*sz + yf*sy + xf, zf*sz + yf*sy + xr,
		zf*sz + yr*sy + xf, zf*sz + yr*sy + xr,
		zr*sz + yf*sy + xf, zr*sz + yf*sy + xr,
		zr*sz + yr*sy + xf, zr*sz + yr*sy + xr,
	}
	c.w = [8]float64{
		fz1 * fy1 * fx1, fz1 * fy1 * fx2,
		fz1 * fy2 * fx1, fz1 * fy2 * fx2,
		fz2 * fy1 * fx1, fz2 * fy1 * fx2,
		fz2 * fy2 * fx1, fz2 * fy2 * fx2,
	}
	return c
}
