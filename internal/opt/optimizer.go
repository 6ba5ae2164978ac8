// Package opt adapts third-party optimizers to the coefficient vectors of a
// registration stage.
package opt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownOptimizer is returned by New for an unsupported name.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Objective returns f(x). When grad is non-nil it also writes df/dx into
// grad, which has the length of x. x must not be retained.
type Objective func(x, grad []float64) (float64, error)

// Optimizer minimizes an objective starting from x0.
type Optimizer interface {
	// Name identifies the algorithm.
	Name() string
	// Run returns the best point seen. When ctx is cancelled Run stops
	// early and returns that point together with the context error.
	Run(ctx context.Context, f Objective, x0 []float64) (*Result, error)
}

// Result is the outcome of one Run.
type Result struct {
	X           []float64
	F           float64
	Evaluations int
	Iterations  int
	Status      string
	Runtime     time.Duration
}

// Settings configure every optimizer. Fields an algorithm has no use for
// are ignored.
type Settings struct {
	// MaxIterations bounds major iterations (generations for Mayfly).
	MaxIterations int
	// MaxEvaluations bounds objective evaluations; 0 means unbounded.
	MaxEvaluations int
	// GradientTolerance stops L-BFGS once the gradient infinity norm drops below it.
	GradientTolerance float64
	// Memory is the number of L-BFGS correction pairs.
	Memory int
	// Bounds is the search half-width around x0 for Mayfly.
	Bounds float64
	// PopSize is the Mayfly population size.
	PopSize int
	// Seed makes Mayfly reproducible.
	Seed int64
}

// Names lists the optimizers New understands.
func Names() []string { return []string{"lbfgs", "mayfly"} }

// New returns the optimizer called name.
func New(name string, s Settings) (Optimizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lbfgs", "l-bfgs":
		return NewLBFGS(s), nil
	case "mayfly":
		return NewMayfly(s), nil
	default:
		return nil, fmt.Errorf("%w: %q (want one of %v)", ErrUnknownOptimizer, name, Names())
	}
}
