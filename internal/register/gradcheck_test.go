package register

import (
	"testing"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/cwbudde/bsplinereg/internal/score"
	"github.com/cwbudde/bsplinereg/internal/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampEvaluator scores a linear moving volume against a constant offset of
// itself, so the score is quadratic in the coefficients.
func rampEvaluator(t *testing.T) *score.Evaluator {
	t.Helper()
	h := volume.NewHeader([3]int{12, 12, 12}, [3]float64{}, [3]float64{1, 1, 1})
	g, err := bspline.GeometryFromHeader(h, [3]int{2, 2, 2}, [3]int{8, 8, 8}, [3]int{4, 4, 4}, bspline.LUTAligned)
	require.NoError(t, err)

	ramp := func(i, j, k int) float64 { return 0.3*float64(i) + 0.2*float64(j) - 0.1*float64(k) + 1 }
	moving := volume.New(h)
	moving.Fill(func(i, j, k int) float32 { return float32(ramp(i, j, k)) })
	fixed := volume.New(h)
	fixed.Fill(func(i, j, k int) float32 { return float32(ramp(i, j, k) + 5) })
	grad, err := volume.Gradient(moving)
	require.NoError(t, err)

	e, err := score.NewEvaluator(score.Inputs{Geometry: g, Fixed: fixed, Moving: moving, MovingGrad: grad}, score.Options{Backend: "serial"})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestCheckGradientModes(t *testing.T) {
	e := rampEvaluator(t)
	g := e.Geometry()
	coeff := make([]float64, g.NumCoeff)
	for i := range coeff {
		coeff[i] = 0.05 * float64(i%5-2)
	}
	knot := g.KnotIndex(2, 2, 2)
	indices := []int{3 * knot, 3*knot + 1, 3*knot + 2}

	tests := []struct {
		mode CheckMode
		tol  float64
	}{
		{CheckCentral, 1e-4},
		{CheckForward, 1e-2},
		{CheckBackward, 1e-2},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			opts := DefaultCheckOptions()
			opts.Mode = tt.mode
			opts.Step = 1e-3
			opts.Indices = indices

			report, err := CheckGradient(e, coeff, opts)
			require.NoError(t, err)
			require.Len(t, report.Entries, 3)
			for _, entry := range report.Entries {
				assert.NotZero(t, entry.Analytic)
				assert.Less(t, entry.RelErr, tt.tol, "index %d: analytic %g numeric %g", entry.Index, entry.Analytic, entry.Numeric)
			}
			assert.LessOrEqual(t, report.RMSErr, report.MaxAbsErr)
		})
	}
}

func TestCheckGradientLine(t *testing.T) {
	e := rampEvaluator(t)
	coeff := make([]float64, e.Geometry().NumCoeff)

	opts := DefaultCheckOptions()
	opts.Mode = CheckLine
	opts.AlphaMin = -1e-4
	opts.AlphaMax = 1e-4
	opts.AlphaSteps = 5

	report, err := CheckGradient(e, coeff, opts)
	require.NoError(t, err)
	require.Len(t, report.Line, 5)
	assert.InDelta(t, 0, report.Line[2].Alpha, 1e-18)
	assert.Equal(t, report.Base.Score, report.Line[2].Score)
	// Moving along +grad increases the score, along -grad decreases it.
	assert.Greater(t, report.Line[4].Score, report.Line[2].Score)
	assert.Less(t, report.Line[0].Score, report.Line[2].Score)
}

func TestCheckGradientErrors(t *testing.T) {
	e := rampEvaluator(t)
	coeff := make([]float64, e.Geometry().NumCoeff)

	opts := DefaultCheckOptions()
	opts.Step = 0
	_, err := CheckGradient(e, coeff, opts)
	assert.Error(t, err)

	opts = DefaultCheckOptions()
	opts.Indices = []int{len(coeff)}
	_, err = CheckGradient(e, coeff, opts)
	assert.Error(t, err)

	opts = DefaultCheckOptions()
	opts.Mode = CheckLine
	opts.AlphaSteps = 1
	_, err = CheckGradient(e, coeff, opts)
	assert.Error(t, err)

	_, err = CheckGradient(e, coeff[:3], DefaultCheckOptions())
	assert.ErrorIs(t, err, score.ErrCoefficientCount)
}

func TestParseCheckMode(t *testing.T) {
	for in, want := range map[string]CheckMode{
		"":         CheckCentral,
		"central":  CheckCentral,
		"FWD":      CheckForward,
		"backward": CheckBackward,
		"line":     CheckLine,
	} {
		got, err := ParseCheckMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCheckMode("sideways")
	assert.Error(t, err)
}
