// Package bspline describes a uniform cubic B-spline control grid laid over
// the region of interest of a fixed volume, the basis weight tables derived
// from it, and the displacement field those coefficients define.
package bspline

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/bsplinereg/internal/volume"
)

// ErrInvalidGeometry is returned when grid parameters cannot describe a
// control grid. It is a configuration error and is raised before any
// evaluation runs.
var ErrInvalidGeometry = errors.New("invalid geometry")

// GeometryParams is the input to NewGeometry.
type GeometryParams struct {
	Origin    [3]float64
	Spacing   [3]float64
	Dim       [3]int
	Direction [9]float64

	ROIOffset [3]int
	ROIDim    [3]int
	VoxPerRgn [3]int

	LUT LUTStrategy
}

// Geometry maps image voxels onto control-grid regions. It is immutable
// after construction.
type Geometry struct {
	Header  volume.Header
	Mapping volume.Mapping

	ROIOffset [3]int
	ROIDim    [3]int
	VoxPerRgn [3]int

	// GridSpacing is the knot spacing in mm.
	GridSpacing [3]float64
	// RDims is the number of regions per axis.
	RDims [3]int
	// CDims is the number of knots per axis.
	CDims [3]int

	NumKnots int
	NumCoeff int

	LUT LUTStrategy
}

// NewGeometry validates params and derives the grid dimensions.
func NewGeometry(p GeometryParams) (*Geometry, error) {
	h := volume.Header{
		Dim:       p.Dim,
		Origin:    p.Origin,
		Spacing:   p.Spacing,
		Direction: p.Direction,
	}
	if h.Direction == ([9]float64{}) {
		h.Direction = volume.Identity
	}
	m, err := h.Mapping()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}

	g := &Geometry{
		Header:    h,
		Mapping:   m,
		ROIOffset: p.ROIOffset,
		ROIDim:    p.ROIDim,
		VoxPerRgn: p.VoxPerRgn,
		LUT:       p.LUT,
	}

	for d := 0; d < 3; d++ {
		if p.VoxPerRgn[d] <= 0 {
			return nil, fmt.Errorf("%w: vox_per_rgn[%d] = %d", ErrInvalidGeometry, d, p.VoxPerRgn[d])
		}
		if p.ROIOffset[d] < 0 {
			return nil, fmt.Errorf("%w: roi_offset[%d] = %d", ErrInvalidGeometry, d, p.ROIOffset[d])
		}
		if p.ROIOffset[d]+p.ROIDim[d] > p.Dim[d] {
			return nil, fmt.Errorf("%w: roi_offset[%d] + roi_dim[%d] = %d exceeds dim %d",
				ErrInvalidGeometry, d, d, p.ROIOffset[d]+p.ROIDim[d], p.Dim[d])
		}

		g.RDims[d] = ceilDiv(p.ROIDim[d], p.VoxPerRgn[d])
		if g.RDims[d] < 1 {
			return nil, fmt.Errorf("%w: rdims[%d] = %d", ErrInvalidGeometry, d, g.RDims[d])
		}
		g.CDims[d] = g.RDims[d] + 3
		g.GridSpacing[d] = float64(p.VoxPerRgn[d]) * p.Spacing[d]
	}

	if g.LUT == "" {
		g.LUT = LUTAligned
	}
	if !g.LUT.valid() {
		return nil, fmt.Errorf("%w: unknown LUT strategy %q", ErrInvalidGeometry, g.LUT)
	}

	g.NumKnots = g.CDims[0] * g.CDims[1] * g.CDims[2]
	g.NumCoeff = 3 * g.NumKnots
	return g, nil
}

// GeometryFromHeader builds a geometry over the fixed volume header. A zero
// roiDim selects the whole image.
func GeometryFromHeader(h volume.Header, roiOffset, roiDim, voxPerRgn [3]int, lut LUTStrategy) (*Geometry, error) {
	if roiDim == ([3]int{}) {
		roiOffset = [3]int{}
		roiDim = h.Dim
	}
	return NewGeometry(GeometryParams{
		Origin:    h.Origin,
		Spacing:   h.Spacing,
		Dim:       h.Dim,
		Direction: h.Direction,
		ROIOffset: roiOffset,
		ROIDim:    roiDim,
		VoxPerRgn: voxPerRgn,
		LUT:       lut,
	})
}

// VoxPerRegionFromSpacing converts a physical knot spacing into a whole
// number of voxels per region on every axis.
func VoxPerRegionFromSpacing(gridSpacing, spacing [3]float64) ([3]int, error) {
	var vpr [3]int
	for d := 0; d < 3; d++ {
		n, err := VoxPerRegionAlong(gridSpacing[d], spacing[d])
		if err != nil {
			return [3]int{}, fmt.Errorf("axis %d: %w", d, err)
		}
		vpr[d] = n
	}
	return vpr, nil
}

// VoxPerRegionAlong converts one axis. The result is rounded and never less
// than one; a knot or voxel spacing that is not positive is rejected.
func VoxPerRegionAlong(gridSpacing, spacing float64) (int, error) {
	if !(gridSpacing > 0) {
		return 0, fmt.Errorf("%w: grid spacing %g must be positive", ErrInvalidGeometry, gridSpacing)
	}
	if !(spacing > 0) {
		return 0, fmt.Errorf("%w: voxel spacing %g must be positive", ErrInvalidGeometry, spacing)
	}
	n := int(math.Round(gridSpacing / spacing))
	if n < 1 {
		n = 1
	}
	return n, nil
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// NumRegions returns prod(RDims).
func (g *Geometry) NumRegions() int {
	return g.RDims[0] * g.RDims[1] * g.RDims[2]
}

// NumOffsets returns the number of voxel positions inside one region.
func (g *Geometry) NumOffsets() int {
	return g.VoxPerRgn[0] * g.VoxPerRgn[1] * g.VoxPerRgn[2]
}

// NumROIVoxels returns prod(ROIDim).
func (g *Geometry) NumROIVoxels() int {
	return g.ROIDim[0] * g.ROIDim[1] * g.ROIDim[2]
}

// RegionIndex returns the linear index of region (rx, ry, rz).
func (g *Geometry) RegionIndex(rx, ry, rz int) int {
	return (rz*g.RDims[1]+ry)*g.RDims[0] + rx
}

// RegionCoords is the inverse of RegionIndex.
func (g *Geometry) RegionCoords(region int) [3]int {
	rx := region % g.RDims[0]
	region /= g.RDims[0]
	return [3]int{rx, region % g.RDims[1], region / g.RDims[1]}
}

// OffsetIndex returns the linear index of in-region offset (qx, qy, qz).
func (g *Geometry) OffsetIndex(qx, qy, qz int) int {
	return (qz*g.VoxPerRgn[1]+qy)*g.VoxPerRgn[0] + qx
}

// OffsetCoords is the inverse of OffsetIndex.
func (g *Geometry) OffsetCoords(offset int) [3]int {
	qx := offset % g.VoxPerRgn[0]
	offset /= g.VoxPerRgn[0]
	return [3]int{qx, offset % g.VoxPerRgn[1], offset / g.VoxPerRgn[1]}
}

// KnotIndex returns the linear index of knot (kx, ky, kz).
func (g *Geometry) KnotIndex(kx, ky, kz int) int {
	return (kz*g.CDims[1]+ky)*g.CDims[0] + kx
}

// KnotCoords is the inverse of KnotIndex.
func (g *Geometry) KnotCoords(knot int) [3]int {
	kx := knot % g.CDims[0]
	knot /= g.CDims[0]
	return [3]int{kx, knot % g.CDims[1], knot / g.CDims[1]}
}

// KnotPosition returns the continuous fixed-image index of a knot.
func (g *Geometry) KnotPosition(kx, ky, kz int) [3]float64 {
	k := [3]int{kx, ky, kz}
	var idx [3]float64
	for d := 0; d < 3; d++ {
		idx[d] = float64(g.ROIOffset[d] + (k[d]-1)*g.VoxPerRgn[d])
	}
	return idx
}

// InROI reports whether image voxel (i, j, k) lies inside the ROI.
func (g *Geometry) InROI(i, j, k int) bool {
	p := [3]int{i, j, k}
	for d := 0; d < 3; d++ {
		q := p[d] - g.ROIOffset[d]
		if q < 0 || q >= g.ROIDim[d] {
			return false
		}
	}
	return true
}

// VoxelToRegionAndOffset maps an image voxel inside the ROI to its region
// and in-region offset using integer arithmetic only.
func (g *Geometry) VoxelToRegionAndOffset(i, j, k int) (region, offset int) {
	p := [3]int{i, j, k}
	var r, q [3]int
	for d := 0; d < 3; d++ {
		rel := p[d] - g.ROIOffset[d]
		r[d] = rel / g.VoxPerRgn[d]
		q[d] = rel % g.VoxPerRgn[d]
	}
	return g.RegionIndex(r[0], r[1], r[2]), g.OffsetIndex(q[0], q[1], q[2])
}

// RegionOffsetToVoxel is the inverse of VoxelToRegionAndOffset. The second
// return value is false when the voxel falls past the ROI in a partial region.
func (g *Geometry) RegionOffsetToVoxel(region, offset int) ([3]int, bool) {
	r := g.RegionCoords(region)
	q := g.OffsetCoords(offset)
	var p [3]int
	for d := 0; d < 3; d++ {
		rel := r[d]*g.VoxPerRgn[d] + q[d]
		if rel >= g.ROIDim[d] {
			return p, false
		}
		p[d] = g.ROIOffset[d] + rel
	}
	return p, true
}

// Physical returns the physical position of image voxel (i, j, k).
func (g *Geometry) Physical(i, j, k int) [3]float64 {
	return g.Mapping.Physical([3]float64{float64(i), float64(j), float64(k)})
}

// String summarizes the grid for logs.
func (g *Geometry) String() string {
	return fmt.Sprintf("roi %v+%v vox_per_rgn %v rdims %v cdims %v knots %d",
		g.ROIOffset, g.ROIDim, g.VoxPerRgn, g.RDims, g.CDims, g.NumKnots)
}
