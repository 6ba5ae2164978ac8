package opt

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// LBFGS is gonum's limited-memory BFGS with one objective call per point.
type LBFGS struct {
	settings Settings
}

// NewLBFGS returns an L-BFGS optimizer. Memory defaults to 7 pairs.
func NewLBFGS(s Settings) *LBFGS {
	if s.Memory <= 0 {
		s.Memory = 7
	}
	return &LBFGS{settings: s}
}

// Name implements Optimizer.
func (l *LBFGS) Name() string { return "lbfgs" }

// Run implements Optimizer.
func (l *LBFGS) Run(ctx context.Context, f Objective, x0 []float64) (*Result, error) {
	c := newEvalCache(f, len(x0))

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return c.eval(x).f
		},
		Grad: func(grad, x []float64) {
			copy(grad, c.eval(x).grad)
		},
		Status: func() (optimize.Status, error) {
			if c.err != nil {
				return optimize.Failure, c.err
			}
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: l.settings.GradientTolerance,
		MajorIterations:   l.settings.MaxIterations,
		FuncEvaluations:   l.settings.MaxEvaluations,
	}

	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{Store: l.settings.Memory})

	out := &Result{
		X:           c.bestX,
		F:           c.bestF,
		Evaluations: c.calls,
	}
	if out.X == nil {
		out.X = append([]float64(nil), x0...)
		out.F = math.Inf(1)
	}
	if res != nil {
		out.Iterations = res.Stats.MajorIterations
		out.Status = res.Status.String()
		out.Runtime = res.Stats.Runtime
	}
	if c.err != nil {
		return out, c.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil {
		// Line-search failures still leave a usable best point.
		slog.Debug("L-BFGS stopped", "status", out.Status, "error", err)
	}
	return out, nil
}

// evalCache remembers the most recent evaluation so that gonum's separate
// Func and Grad calls at the same point cost one objective call.
type evalCache struct {
	f    Objective
	hash uint64
	x    []float64
	last evaluation

	calls int
	err   error
	bestF float64
	bestX []float64
}

type evaluation struct {
	f    float64
	grad []float64
}

func newEvalCache(f Objective, n int) *evalCache {
	return &evalCache{
		f:     f,
		bestF: math.Inf(1),
		last:  evaluation{grad: make([]float64, n)},
	}
}

func (c *evalCache) eval(x []float64) evaluation {
	h := hashVector(x)
	if c.x != nil && h == c.hash && equalVectors(x, c.x) {
		return c.last
	}
	if c.err != nil {
		return evaluation{f: math.Inf(1), grad: c.last.grad}
	}

	grad := make([]float64, len(x))
	val, err := c.f(x, grad)
	c.calls++
	if err != nil {
		c.err = err
		return evaluation{f: math.Inf(1), grad: grad}
	}

	c.hash = h
	c.x = append(c.x[:0], x...)
	c.last = evaluation{f: val, grad: grad}
	if val < c.bestF {
		c.bestF = val
		c.bestX = append(c.bestX[:0], x...)
	}
	return c.last
}

func hashVector(x []float64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range x {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func equalVectors(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}
