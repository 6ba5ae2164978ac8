package score

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/cwbudde/bsplinereg/internal/volume"
	"github.com/stretchr/testify/require"
)

// fixture bundles a volume pair with a geometry over the fixed volume.
type fixture struct {
	geom       *bspline.Geometry
	fixed      *volume.Volume
	moving     *volume.Volume
	movingGrad *volume.VectorVolume
}

func (f *fixture) inputs() Inputs {
	return Inputs{
		Geometry:   f.geom,
		Fixed:      f.fixed,
		Moving:     f.moving,
		MovingGrad: f.movingGrad,
	}
}

func (f *fixture) evaluator(t *testing.T, backend string, workers int) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(f.inputs(), Options{Backend: backend, Workers: workers})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// smoothVolume fills a volume with a sum of random low-frequency sinusoids.
func smoothVolume(h volume.Header, rng *rand.Rand) *volume.Volume {
	type wave struct{ a, fx, fy, fz, ph float64 }
	waves := make([]wave, 4)
	for i := range waves {
		waves[i] = wave{
			a:  rng.Float64()*40 + 10,
			fx: rng.Float64() * 0.4,
			fy: rng.Float64() * 0.4,
			fz: rng.Float64() * 0.4,
			ph: rng.Float64() * 2 * math.Pi,
		}
	}
	v := volume.New(h)
	v.Fill(func(i, j, k int) float32 {
		var s float64
		for _, w := range waves {
			s += w.a * math.Sin(w.fx*float64(i)+w.fy*float64(j)+w.fz*float64(k)+w.ph)
		}
		return float32(s)
	})
	return v
}

// randomFixture builds a geometry with a partial last region on every axis
// and a moving volume on a shifted grid that leaves the first ROI planes
// without samples.
func randomFixture(t *testing.T, seed int64, lut bspline.LUTStrategy) *fixture {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	fh := volume.NewHeader([3]int{22, 19, 17}, [3]float64{1.5, -2, 0.25}, [3]float64{1.2, 0.9, 1.1})
	mh := volume.NewHeader([3]int{20, 20, 18}, [3]float64{6.0, -1, -0.5}, [3]float64{1.2, 0.9, 1.1})

	g, err := bspline.GeometryFromHeader(fh, [3]int{1, 2, 1}, [3]int{19, 14, 14}, [3]int{4, 3, 5}, lut)
	require.NoError(t, err)

	fixed := smoothVolume(fh, rng)
	moving := smoothVolume(mh, rng)
	grad, err := volume.Gradient(moving)
	require.NoError(t, err)

	return &fixture{geom: g, fixed: fixed, moving: moving, movingGrad: grad}
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func randomCoefficients(n int, scale float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	c := make([]float64, n)
	for i := range c {
		c[i] = (rng.Float64()*2 - 1) * scale
	}
	return c
}

// rampFixture has a moving volume linear in every axis and a fixed volume
// offset by a constant, so the score is an exact quadratic in the
// coefficients while no sample leaves the volume.
func rampFixture(t *testing.T) *fixture {
	t.Helper()
	h := volume.NewHeader([3]int{12, 12, 12}, [3]float64{}, [3]float64{1, 1, 1})
	g, err := bspline.GeometryFromHeader(h, [3]int{2, 2, 2}, [3]int{8, 8, 8}, [3]int{4, 4, 4}, bspline.LUTAligned)
	require.NoError(t, err)
	require.Equal(t, [3]int{5, 5, 5}, g.CDims)

	ramp := func(i, j, k int) float64 { return 0.3*float64(i) + 0.2*float64(j) - 0.1*float64(k) + 1 }
	moving := volume.New(h)
	moving.Fill(func(i, j, k int) float32 { return float32(ramp(i, j, k)) })
	fixed := volume.New(h)
	fixed.Fill(func(i, j, k int) float32 { return float32(ramp(i, j, k) + 5) })

	grad, err := volume.Gradient(moving)
	require.NoError(t, err)
	return &fixture{geom: g, fixed: fixed, moving: moving, movingGrad: grad}
}

// requireRelClose compares two vectors component-wise with a relative
// tolerance. Components that are both (near) zero compare equal.
func requireRelClose(t *testing.T, want, got []float64, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		scale := math.Max(math.Abs(want[i]), math.Abs(got[i]))
		require.LessOrEqual(t, math.Abs(want[i]-got[i]), tol*scale+1e-12,
			"component %d: want %g, got %g", i, want[i], got[i])
	}
}

// waveFixture has a smooth low-frequency moving volume and a fixed volume
// offset by a constant. The ROI keeps a three-voxel margin so sub-voxel
// displacements never reach the clamped border cells.
func waveFixture(t *testing.T) *fixture {
	t.Helper()
	h := volume.NewHeader([3]int{18, 18, 18}, [3]float64{}, [3]float64{1, 1, 1})
	g, err := bspline.GeometryFromHeader(h, [3]int{3, 3, 3}, [3]int{12, 12, 12}, [3]int{4, 4, 4}, bspline.LUTAligned)
	require.NoError(t, err)

	wave := func(i, j, k int) float64 {
		x, y, z := float64(i), float64(j), float64(k)
		return 100 + 40*math.Sin(0.035*x+0.02*y+0.03*z+0.3) + 25*math.Cos(-0.02*x+0.03*y+0.025*z+1.1)
	}
	moving := volume.New(h)
	moving.Fill(func(i, j, k int) float32 { return float32(wave(i, j, k)) })
	fixed := volume.New(h)
	fixed.Fill(func(i, j, k int) float32 { return float32(wave(i, j, k) + 5) })

	grad, err := volume.Gradient(moving)
	require.NoError(t, err)
	return &fixture{geom: g, fixed: fixed, moving: moving, movingGrad: grad}
}
