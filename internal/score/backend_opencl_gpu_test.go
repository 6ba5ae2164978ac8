//go:build gpu

package score

import (
	"errors"
	"testing"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestOpenCLMatchesSerial(t *testing.T) {
	f := randomFixture(t, 21, bspline.LUTAligned)
	coeff := randomCoefficients(f.geom.NumCoeff, 1.5, 22)

	e, err := NewEvaluator(f.inputs(), Options{Backend: "opencl", Workers: 4})
	if errors.Is(err, ErrBackendUnavailable) {
		t.Skipf("OpenCL not available: %v", err)
	}
	require.NoError(t, err)
	defer e.Close()

	got, err := e.Evaluate(coeff)
	require.NoError(t, err)
	want, err := f.evaluator(t, "serial", 1).Evaluate(coeff)
	require.NoError(t, err)

	assert.InEpsilon(t, want.Score, got.Score, 1e-4)
	// Samples that sit exactly on the exclusion border may flip in float32.
	assert.InDelta(t, want.NumVox, got.NumVox, float64(want.NumVox)*1e-3)
	requireRelClose(t, want.Gradient, got.Gradient, 1e-3)
}

func TestOpenCLConcurrentEvaluate(t *testing.T) {
	f := randomFixture(t, 24, bspline.LUTAligned)

	e, err := NewEvaluator(f.inputs(), Options{Backend: "opencl", Workers: 2})
	if errors.Is(err, ErrBackendUnavailable) {
		t.Skipf("OpenCL not available: %v", err)
	}
	require.NoError(t, err)
	defer e.Close()

	coeffs := make([][]float64, 4)
	want := make([]*Result, len(coeffs))
	for i := range coeffs {
		coeffs[i] = randomCoefficients(f.geom.NumCoeff, 1, int64(40+i))
		want[i], err = e.Evaluate(coeffs[i])
		require.NoError(t, err)
	}

	got := make([]*Result, len(coeffs))
	var g errgroup.Group
	for i := range coeffs {
		g.Go(func() error {
			r, err := e.Evaluate(coeffs[i])
			got[i] = r
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := range coeffs {
		assert.Equal(t, want[i].Score, got[i].Score, "coefficients %d", i)
		assert.Equal(t, want[i].Gradient, got[i].Gradient, "coefficients %d", i)
	}
}
