package bspline

import (
	"fmt"
	"log/slog"
	"math"
)

// Transform evaluates the displacement field defined by a coefficient
// vector. Coefficients are interleaved: coeff[3*knot+c].
type Transform struct {
	Geom *Geometry
	LUT  LUT
}

// NewTransform builds the LUT for g.
func NewTransform(g *Geometry) *Transform {
	return &Transform{Geom: g, LUT: BuildLUT(g)}
}

// Displacement returns the displacement of the voxel at offset inside region.
// coeff is only read.
func (t *Transform) Displacement(coeff []float64, region, offset int) [3]float64 {
	var buf [64]float64
	w := t.LUT.Weights(offset, buf[:])
	knots := t.LUT.Knots(region)

	var d [3]float64
	for m := 0; m < 64; m++ {
		c := coeff[3*knots[m]:]
		d[0] += c[0] * w[m]
		d[1] += c[1] * w[m]
		d[2] += c[2] * w[m]
	}
	return d
}

// DisplacementAt returns the displacement of image voxel (i, j, k), which
// must lie inside the ROI.
func (t *Transform) DisplacementAt(coeff []float64, i, j, k int) [3]float64 {
	region, offset := t.Geom.VoxelToRegionAndOffset(i, j, k)
	return t.Displacement(coeff, region, offset)
}

// Field evaluates the displacement of every ROI voxel, x-fastest, three
// interleaved components per voxel.
func (t *Transform) Field(coeff []float64) []float64 {
	g := t.Geom
	out := make([]float64, 0, 3*g.NumROIVoxels())
	for k := 0; k < g.ROIDim[2]; k++ {
		for j := 0; j < g.ROIDim[1]; j++ {
			for i := 0; i < g.ROIDim[0]; i++ {
				d := t.DisplacementAt(coeff, g.ROIOffset[0]+i, g.ROIOffset[1]+j, g.ROIOffset[2]+k)
				out = append(out, d[0], d[1], d[2])
			}
		}
	}
	return out
}

// CheckCoefficients verifies the coefficient vector length.
func (t *Transform) CheckCoefficients(coeff []float64) error {
	if len(coeff) != t.Geom.NumCoeff {
		return fmt.Errorf("coefficient vector has %d entries, want %d", len(coeff), t.Geom.NumCoeff)
	}
	return nil
}

// CarryOver initializes coefficients for next from a previous stage. Each
// new knot receives the previous displacement at its physical position,
// clamped to the previous ROI. This approximates the previous field; it is
// exact for constant fields. A nil prev yields zero coefficients.
func CarryOver(prev *Transform, prevCoeff []float64, next *Geometry) []float64 {
	out := make([]float64, next.NumCoeff)
	if prev == nil || prevCoeff == nil {
		return out
	}

	pg := prev.Geom
	for knot := 0; knot < next.NumKnots; knot++ {
		k := next.KnotCoords(knot)
		p := next.Mapping.Physical(next.KnotPosition(k[0], k[1], k[2]))
		idx := pg.Mapping.ContinuousIndex(p)

		var v [3]int
		for d := 0; d < 3; d++ {
			lo := pg.ROIOffset[d]
			hi := pg.ROIOffset[d] + pg.ROIDim[d] - 1
			v[d] = int(math.Round(idx[d]))
			if v[d] < lo {
				v[d] = lo
			}
			if v[d] > hi {
				v[d] = hi
			}
		}

		disp := prev.DisplacementAt(prevCoeff, v[0], v[1], v[2])
		copy(out[3*knot:3*knot+3], disp[:])
	}

	slog.Debug("Coefficients carried over",
		"from", pg.String(),
		"to", next.String(),
	)
	return out
}
