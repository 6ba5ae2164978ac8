package bspline

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bendingGeometry(t *testing.T) *Geometry {
	return mustGeometry(t, GeometryParams{
		Spacing:   [3]float64{1, 1.5, 2},
		Dim:       [3]int{12, 9, 8},
		ROIDim:    [3]int{12, 9, 8},
		VoxPerRgn: [3]int{4, 3, 2},
	})
}

func randomCoeff(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	c := make([]float64, n)
	for i := range c {
		c[i] = rng.Float64()*2 - 1
	}
	return c
}

func TestBasisDerivsMatchFiniteDifference(t *testing.T) {
	const h = 1e-5
	for m := 0; m < 4; m++ {
		for _, u := range []float64{0.1, 0.35, 0.5, 0.8} {
			d1, d2 := BasisDerivs(m, u)
			fd1 := (Basis(m, u+h) - Basis(m, u-h)) / (2 * h)
			p1, _ := BasisDerivs(m, u+h)
			m1, _ := BasisDerivs(m, u-h)
			fd2 := (p1 - m1) / (2 * h)
			assert.InDelta(t, fd1, d1, 1e-8, "m=%d u=%g", m, u)
			assert.InDelta(t, fd2, d2, 1e-8, "m=%d u=%g", m, u)
		}
	}
}

func TestBendingEnergyOfAffineFieldIsZero(t *testing.T) {
	g := bendingGeometry(t)
	b := BuildBending(g)

	coeff := make([]float64, g.NumCoeff)
	for knot := 0; knot < g.NumKnots; knot++ {
		k := g.KnotCoords(knot)
		x, y, z := float64(k[0]), float64(k[1]), float64(k[2])
		coeff[3*knot+0] = 0.7*x - 1.1*y + 0.4*z + 3
		coeff[3*knot+1] = -0.2*x + 0.5*z
		coeff[3*knot+2] = 2
	}

	grad := make([]float64, g.NumCoeff)
	assert.InDelta(t, 0.0, b.Energy(coeff, grad), 1e-9)
	for i, v := range grad {
		require.InDelta(t, 0.0, v, 1e-8, "coefficient %d", i)
	}
}

func TestBendingEnergyOfQuadraticField(t *testing.T) {
	g := bendingGeometry(t)
	b := BuildBending(g)

	// Knot values k² reproduce a field whose second derivative along that
	// axis is 2 knot units, or 2/GridSpacing² per mm².
	coeff := make([]float64, g.NumCoeff)
	for knot := 0; knot < g.NumKnots; knot++ {
		k := g.KnotCoords(knot)
		coeff[3*knot+0] = float64(k[0] * k[0])
		coeff[3*knot+1] = float64(k[1] * k[1])
	}

	n := float64(g.NumRegions() * g.NumOffsets())
	gx, gy := g.GridSpacing[0], g.GridSpacing[1]
	want := n * 4 * (1/math.Pow(gx, 4) + 1/math.Pow(gy, 4))
	assert.InEpsilon(t, want, b.Energy(coeff, nil), 1e-9)
}

func TestBendingFormMatchesDerivativeRows(t *testing.T) {
	g := bendingGeometry(t)
	b := BuildBending(g)
	coeff := randomCoeff(g.NumCoeff, 21)

	var rows [NumBendingTerms][64]float64
	var want float64
	for region := 0; region < g.NumRegions(); region++ {
		knots := b.Knots(region)
		for offset := 0; offset < g.NumOffsets(); offset++ {
			b.Derivatives(offset, &rows)
			for term := 0; term < NumBendingTerms; term++ {
				for c := 0; c < 3; c++ {
					var v float64
					for m, k := range knots {
						v += rows[term][m] * coeff[3*k+c]
					}
					want += b.Weight(term) * v * v
				}
			}
		}
	}

	require.Greater(t, want, 0.0)
	assert.InEpsilon(t, want, b.Energy(coeff, nil), 1e-9)
}

func TestBendingGradientMatchesFiniteDifference(t *testing.T) {
	g := bendingGeometry(t)
	b := BuildBending(g)
	coeff := randomCoeff(g.NumCoeff, 22)
	before := append([]float64(nil), coeff...)

	grad := make([]float64, g.NumCoeff)
	b.Energy(coeff, grad)
	assert.Equal(t, before, coeff)

	const eps = 1e-3
	for _, knot := range []int{g.KnotIndex(0, 0, 0), g.KnotIndex(2, 3, 1), g.KnotIndex(5, 5, 6), g.KnotIndex(3, 1, 4)} {
		for c := 0; c < 3; c++ {
			idx := 3*knot + c
			plus := append([]float64(nil), coeff...)
			plus[idx] += eps
			minus := append([]float64(nil), coeff...)
			minus[idx] -= eps

			fd := (b.Energy(plus, nil) - b.Energy(minus, nil)) / (2 * eps)
			assert.InDelta(t, fd, grad[idx], 1e-6*(1+math.Abs(grad[idx])), "knot %d component %d", knot, c)
		}
	}
}
