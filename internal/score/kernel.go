package score

import (
	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/cwbudde/bsplinereg/internal/volume"
)

// Sample is the contribution of one ROI voxel before it is scattered onto
// the 64 knots of its region.
type Sample struct {
	// Included is false when the displaced position falls outside the
	// moving volume. Excluded voxels contribute nothing.
	Included bool
	// Diff is fixed - moving at the displaced position.
	Diff float64
	// DcDv is Diff times the moving gradient at the displaced position.
	DcDv [3]float64
}

// Kernel is the per-voxel similarity and gradient accumulator. It holds only
// read-only state and is safe for concurrent use.
type Kernel struct {
	geom       *bspline.Geometry
	lut        bspline.LUT
	fixed      *volume.Volume
	moving     *volume.Volume
	movingGrad *volume.VectorVolume
	movingMap  volume.Mapping
}

// Geometry returns the control grid the kernel scores over.
func (k *Kernel) Geometry() *bspline.Geometry { return k.geom }

// LUT returns the basis tables in use.
func (k *Kernel) LUT() bspline.LUT { return k.lut }

// Accumulate computes the contribution of image voxel (i, j, k), which lies
// at offset inside region, for the given coefficients.
func (k *Kernel) Accumulate(coeff []float64, region, offset int, voxel [3]int) Sample {
	var buf [64]float64
	w := k.lut.Weights(offset, buf[:])
	return k.sample(coeff, k.lut.Knots(region), w, voxel)
}

func (k *Kernel) sample(coeff []float64, knots []int, w []float64, voxel [3]int) Sample {
	d := dotKnots(coeff, knots, w)
	p := k.geom.Physical(voxel[0], voxel[1], voxel[2])
	q := [3]float64{p[0] + d[0], p[1] + d[1], p[2] + d[2]}

	mi := k.movingMap.ContinuousIndex(q)
	if !volume.InBounds(mi, k.moving.Dim) {
		return Sample{}
	}

	m := k.moving.Trilinear(mi)
	mg := k.movingGrad.Trilinear(mi)
	f := float64(k.fixed.Data[k.fixed.Index(voxel[0], voxel[1], voxel[2])])

	diff := f - m
	return Sample{
		Included: true,
		Diff:     diff,
		DcDv:     [3]float64{diff * mg[0], diff * mg[1], diff * mg[2]},
	}
}

// sampleFunc produces the sample of one voxel given its region's knots and
// its 64 basis weights.
type sampleFunc func(offset int, voxel [3]int, knots []int, w []float64) Sample

// accumulateRegion walks every ROI voxel of region in offset order, adds
// diff^2 to the region's score and scatters dc_dv onto the region's knots.
// Concurrent calls must use regions from the same execution set.
func (k *Kernel) accumulateRegion(region int, acc *accumulator, sample sampleFunc) {
	var buf [64]float64
	knots := k.lut.Knots(region)

	var sum float64
	var n int
	for offset := 0; offset < k.geom.NumOffsets(); offset++ {
		voxel, ok := k.geom.RegionOffsetToVoxel(region, offset)
		if !ok {
			continue
		}
		w := k.lut.Weights(offset, buf[:])
		s := sample(offset, voxel, knots, w)
		if !s.Included {
			continue
		}
		sum += s.Diff * s.Diff
		n++
		scatterKnots(acc.grad, knots, w, s.DcDv)
	}

	acc.regionScore[region] = sum
	acc.regionCount[region] = n
}

// scoreRegion runs the full per-voxel pipeline on the CPU.
func (k *Kernel) scoreRegion(coeff []float64, region int, acc *accumulator) {
	k.accumulateRegion(region, acc, func(_ int, voxel [3]int, knots []int, w []float64) Sample {
		return k.sample(coeff, knots, w, voxel)
	})
}
