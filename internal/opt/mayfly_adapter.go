package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cwbudde/mayfly"
)

// Mayfly wraps the external Mayfly swarm optimizer. It searches the box
// x0 ± Bounds, so a stage can refine the previous stage's solution.
type Mayfly struct {
	maxIters int
	popSize  int
	bounds   float64
	seed     int64
}

// NewMayfly creates a Mayfly adapter. The population is raised to 20, the
// smallest the library accepts.
func NewMayfly(s Settings) *Mayfly {
	m := &Mayfly{
		maxIters: s.MaxIterations,
		popSize:  s.PopSize,
		bounds:   s.Bounds,
		seed:     s.Seed,
	}
	if m.maxIters <= 0 {
		m.maxIters = 100
	}
	if m.popSize < 20 {
		m.popSize = 20
	}
	if m.bounds <= 0 {
		m.bounds = 1
	}
	return m
}

// Name implements Optimizer.
func (m *Mayfly) Name() string { return "mayfly" }

// Run implements Optimizer.
func (m *Mayfly) Run(ctx context.Context, f Objective, x0 []float64) (*Result, error) {
	start := time.Now()
	dim := len(x0)
	x := make([]float64, dim)
	calls := 0
	var evalErr error

	config := mayfly.NewDefaultConfig()
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	// The library uses scalar bounds, so positions are offsets from x0.
	config.LowerBound = -m.bounds
	config.UpperBound = m.bounds
	config.Rand = rand.New(rand.NewSource(m.seed))
	config.ObjectiveFunc = func(p []float64) float64 {
		if evalErr != nil || ctx.Err() != nil {
			return math.Inf(1)
		}
		for i := range x {
			x[i] = x0[i] + p[i]
		}
		calls++
		v, err := f(x, nil)
		if err != nil {
			evalErr = err
			return math.Inf(1)
		}
		return v
	}

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, fmt.Errorf("mayfly: %w", err)
	}

	best := make([]float64, dim)
	for i := range best {
		best[i] = x0[i] + result.GlobalBest.Position[i]
	}
	out := &Result{
		X:           best,
		F:           result.GlobalBest.Cost,
		Evaluations: calls,
		Iterations:  m.maxIters,
		Status:      "IterationLimit",
		Runtime:     time.Since(start),
	}
	if evalErr != nil {
		return out, evalErr
	}
	if err := ctx.Err(); err != nil {
		out.Status = "Cancelled"
		return out, err
	}
	return out, nil
}
