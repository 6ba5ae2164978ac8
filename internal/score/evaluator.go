// Package score computes the sum-of-squared-differences similarity between
// a fixed volume and a B-spline-warped moving volume, together with its
// gradient with respect to the B-spline coefficients.
package score

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/cwbudde/bsplinereg/internal/volume"
	"gonum.org/v1/gonum/floats"
)

var (
	// ErrMissingInput is returned when a volume or the geometry is nil.
	ErrMissingInput = errors.New("missing evaluator input")
	// ErrDimensionMismatch is returned when a volume does not match the grid it is paired with.
	ErrDimensionMismatch = errors.New("volume dimension mismatch")
	// ErrCoefficientCount is returned when the coefficient vector has the wrong length.
	ErrCoefficientCount = errors.New("wrong number of coefficients")
	// ErrInvalidRegularization is returned for a negative regularization weight.
	ErrInvalidRegularization = errors.New("invalid regularization weight")
)

// Inputs are the read-only operands of an evaluator. None of them may be
// mutated while the evaluator is in use.
type Inputs struct {
	Geometry *bspline.Geometry
	// LUT is built from Geometry when nil.
	LUT    bspline.LUT
	Fixed  *volume.Volume
	Moving *volume.Volume
	// MovingGrad is the physical-space gradient of Moving, see volume.Gradient.
	MovingGrad *volume.VectorVolume
}

// Options configure an evaluator.
type Options struct {
	// Backend is one of SupportedBackends; empty selects parallel.
	Backend string
	// Workers bounds the goroutines per execution set; 0 uses GOMAXPROCS.
	Workers int
	// Regularization weighs the bending energy added to every score.
	// 0 disables it.
	Regularization float64
}

// Evaluator scores coefficient vectors against a fixed volume pair.
// Evaluate may be called with arbitrary coefficient sequences; no state
// carries over between calls. Evaluate is safe for concurrent use on every
// backend.
type Evaluator struct {
	kernel   *Kernel
	sets     []ExecutionSet
	strategy strategy
	cleanup  func()

	bending *bspline.BendingLUT
	lambda  float64
}

// NewEvaluator validates the inputs and prepares the selected backend.
// All configuration errors surface here, before any evaluation.
func NewEvaluator(in Inputs, opts Options) (*Evaluator, error) {
	if opts.Regularization < 0 || math.IsNaN(opts.Regularization) || math.IsInf(opts.Regularization, 0) {
		return nil, fmt.Errorf("%w: %g", ErrInvalidRegularization, opts.Regularization)
	}
	k, err := newKernel(in)
	if err != nil {
		return nil, err
	}

	sets := Partition(k.geom)
	s, cleanup, err := newStrategyForBackend(opts.Backend, k, sets, opts.Workers)
	if err != nil {
		return nil, err
	}

	slog.Debug("Evaluator ready",
		"backend", s.name(),
		"kernel", ActiveKernel.String(),
		"lut", k.lut.Strategy(),
		"geometry", k.geom.String(),
		"regularization", opts.Regularization,
	)

	e := &Evaluator{
		kernel:   k,
		sets:     sets,
		strategy: s,
		cleanup:  cleanup,
		lambda:   opts.Regularization,
	}
	if e.lambda > 0 {
		e.bending = bspline.BuildBending(k.geom)
	}
	return e, nil
}

func newKernel(in Inputs) (*Kernel, error) {
	if in.Geometry == nil || in.Fixed == nil || in.Moving == nil {
		return nil, fmt.Errorf("%w: geometry, fixed and moving volumes are required", ErrMissingInput)
	}
	if in.MovingGrad == nil {
		return nil, fmt.Errorf("%w: moving gradient has not been computed", ErrMissingInput)
	}

	g := in.Geometry
	if !in.Fixed.SameGrid(g.Header) {
		return nil, fmt.Errorf("%w: fixed volume %v does not match geometry %v", ErrDimensionMismatch, in.Fixed.Dim, g.Header.Dim)
	}
	if len(in.Fixed.Data) != in.Fixed.NumVoxels() || len(in.Moving.Data) != in.Moving.NumVoxels() {
		return nil, fmt.Errorf("%w: volume data length does not match its header", ErrDimensionMismatch)
	}
	if !in.MovingGrad.SameGrid(in.Moving.Header) || len(in.MovingGrad.Data) != 3*in.Moving.NumVoxels() {
		return nil, fmt.Errorf("%w: moving gradient does not match moving volume", ErrDimensionMismatch)
	}

	movingMap, err := in.Moving.Mapping()
	if err != nil {
		return nil, fmt.Errorf("moving volume: %w", err)
	}

	lut := in.LUT
	if lut == nil {
		lut = bspline.BuildLUT(g)
	}

	return &Kernel{
		geom:       g,
		lut:        lut,
		fixed:      in.Fixed,
		moving:     in.Moving,
		movingGrad: in.MovingGrad,
		movingMap:  movingMap,
	}, nil
}

// Evaluate returns the score and gradient for coeff. coeff is only read.
// When every voxel is excluded the zero Result is returned with ErrNoSamples
// and no regularization is added.
func (e *Evaluator) Evaluate(coeff []float64) (*Result, error) {
	g := e.kernel.geom
	if len(coeff) != g.NumCoeff {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCoefficientCount, len(coeff), g.NumCoeff)
	}

	start := time.Now()
	acc := newAccumulator(g)
	if err := e.strategy.accumulate(coeff, acc); err != nil {
		return nil, fmt.Errorf("%s backend: %w", e.strategy.name(), err)
	}
	res := acc.reduce()

	if res.NumVox == 0 {
		res.Elapsed = time.Since(start)
		slog.Debug("Score evaluated without samples", "backend", e.strategy.name())
		return res, ErrNoSamples
	}

	if e.bending != nil {
		reg := make([]float64, g.NumCoeff)
		res.Regularization = e.lambda * e.bending.Energy(coeff, reg)
		res.Score += res.Regularization
		floats.AddScaled(res.Gradient, e.lambda, reg)
	}
	res.Elapsed = time.Since(start)

	slog.Debug("Score evaluated",
		"backend", e.strategy.name(),
		"mse", res.MSE(),
		"regularization", res.Regularization,
		"num_vox", res.NumVox,
		"grad_mean", res.GradMean(),
		"grad_norm", res.GradNorm(),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// Geometry returns the control grid of the evaluator.
func (e *Evaluator) Geometry() *bspline.Geometry { return e.kernel.geom }

// Kernel returns the per-voxel accumulator.
func (e *Evaluator) Kernel() *Kernel { return e.kernel }

// Sets returns the execution sets in the order they are processed.
func (e *Evaluator) Sets() []ExecutionSet { return e.sets }

// Regularization returns the bending energy weight, 0 when disabled.
func (e *Evaluator) Regularization() float64 { return e.lambda }

// Backend reports the active backend.
func (e *Evaluator) Backend() Backend { return e.strategy.name() }

// Close releases backend resources.
func (e *Evaluator) Close() {
	if e.cleanup != nil {
		e.cleanup()
		e.cleanup = nil
	}
}
