package opt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic has its minimum 0 at c.
func quadratic(a, c []float64) Objective {
	return func(x, grad []float64) (float64, error) {
		var f float64
		for i := range x {
			d := x[i] - c[i]
			f += a[i] * d * d
			if grad != nil {
				grad[i] = 2 * a[i] * d
			}
		}
		return f, nil
	}
}

func TestLBFGSQuadratic(t *testing.T) {
	a := []float64{1, 4, 0.5, 10, 2}
	c := []float64{3, -1, 0.25, 2, -4}

	l := NewLBFGS(Settings{MaxIterations: 200, GradientTolerance: 1e-10})
	res, err := l.Run(context.Background(), quadratic(a, c), make([]float64, 5))
	require.NoError(t, err)

	assert.InDelta(t, 0, res.F, 1e-10)
	for i := range c {
		assert.InDelta(t, c[i], res.X[i], 1e-5, "component %d", i)
	}
	assert.Positive(t, res.Iterations)
	assert.NotEmpty(t, res.Status)
}

func TestLBFGSSharesEvaluations(t *testing.T) {
	calls := 0
	f := func(x, grad []float64) (float64, error) {
		calls++
		return sphere(x, grad)
	}

	res, err := NewLBFGS(Settings{MaxIterations: 50}).Run(context.Background(), f, []float64{1, -2, 3})
	require.NoError(t, err)
	assert.Equal(t, calls, res.Evaluations)
	assert.InDelta(t, 0, res.F, 1e-8)
}

func TestLBFGSCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	x0 := []float64{1, 2}
	res, err := NewLBFGS(Settings{MaxIterations: 50}).Run(ctx, sphere, x0)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Len(t, res.X, 2)
	assert.Equal(t, []float64{1, 2}, x0)
}

func TestLBFGSObjectiveError(t *testing.T) {
	boom := errors.New("boom")
	ill := quadratic([]float64{1, 10}, []float64{0, 0})
	calls := 0
	f := func(x, grad []float64) (float64, error) {
		calls++
		if calls > 3 {
			return 0, boom
		}
		return ill(x, grad)
	}

	res, err := NewLBFGS(Settings{MaxIterations: 50}).Run(context.Background(), f, []float64{4, 4})
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, res)
	assert.LessOrEqual(t, res.F, 176.0)
}

func TestEvalCache(t *testing.T) {
	calls := 0
	c := newEvalCache(func(x, grad []float64) (float64, error) {
		calls++
		return sphere(x, grad)
	}, 2)

	x := []float64{1, 2}
	e := c.eval(x)
	assert.Equal(t, 5.0, e.f)
	assert.Equal(t, []float64{2, 4}, e.grad)

	c.eval([]float64{1, 2})
	assert.Equal(t, 1, calls)

	x[0] = 0
	e = c.eval(x)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 4.0, e.f)
	assert.Equal(t, []float64{0, 2}, c.bestX)

	x[1] = 9
	assert.Equal(t, []float64{0, 2}, c.bestX, "best point must not alias the caller's slice")
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "lbfgs", "L-BFGS", " mayfly "} {
		o, err := New(name, Settings{})
		require.NoError(t, err, name)
		assert.Contains(t, Names(), o.Name())
	}
	_, err := New("simplex", Settings{})
	assert.ErrorIs(t, err, ErrUnknownOptimizer)
}
