// Package register drives multi-stage B-spline registration: each stage
// builds a control grid, seeds it from the previous stage and minimizes the
// mean squared difference with the configured optimizer.
package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/cwbudde/bsplinereg/internal/config"
	"github.com/cwbudde/bsplinereg/internal/opt"
	"github.com/cwbudde/bsplinereg/internal/score"
	"github.com/cwbudde/bsplinereg/internal/store"
	"github.com/cwbudde/bsplinereg/internal/volume"
	"gonum.org/v1/gonum/floats"
)

// ErrNoStages is returned when there is nothing to run.
var ErrNoStages = errors.New("no stages to run")

// Sink receives progress. Implementations may be nil-safe no-ops.
type Sink interface {
	// Evaluation is called after every objective evaluation.
	Evaluation(entry store.TraceEntry) error
	// StageDone is called once per completed stage.
	StageDone(stage *StageResult) error
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Index        int
	Geometry     *bspline.Geometry
	Coefficients []float64
	Initial      *score.Result
	Final        *score.Result
	Evaluations  int
	Iterations   int
	Status       string
	// Converged is set when the convergence tracker ended the stage.
	Converged bool
	Elapsed   time.Duration
}

// Improvement is the relative drop in MSE over the stage.
func (s *StageResult) Improvement() float64 {
	before := s.Initial.MSE()
	if before == 0 {
		return 0
	}
	return (before - s.Final.MSE()) / before
}

// Outcome is the result of a full run.
type Outcome struct {
	Stages []*StageResult
}

// Final returns the last stage.
func (o *Outcome) Final() *StageResult {
	if len(o.Stages) == 0 {
		return nil
	}
	return o.Stages[len(o.Stages)-1]
}

// Run registers moving onto fixed through every stage of cfg.
func Run(ctx context.Context, fixed, moving *volume.Volume, cfg *config.Config, sink Sink) (*Outcome, error) {
	return run(ctx, fixed, moving, cfg, sink, 0, nil)
}

// Resume continues a run from a checkpoint. The checkpointed stage is
// repeated starting from its coefficients.
func Resume(ctx context.Context, fixed, moving *volume.Volume, cfg *config.Config, sink Sink, cp *store.Checkpoint) (*Outcome, error) {
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", cp.JobID, err)
	}
	if cp.Stage >= len(cfg.Stages) {
		return nil, fmt.Errorf("checkpoint %s is at stage %d but the config has %d stages", cp.JobID, cp.Stage, len(cfg.Stages))
	}
	return run(ctx, fixed, moving, cfg, sink, cp.Stage, cp)
}

func run(ctx context.Context, fixed, moving *volume.Volume, cfg *config.Config, sink Sink, first int, cp *store.Checkpoint) (*Outcome, error) {
	if len(cfg.Stages) == 0 {
		return nil, ErrNoStages
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mgrad, err := volume.Gradient(moving)
	if err != nil {
		return nil, fmt.Errorf("moving gradient: %w", err)
	}

	out := &Outcome{}
	var prev *bspline.Transform
	var prevCoeff []float64

	for i := first; i < len(cfg.Stages); i++ {
		sc := cfg.Stages[i]
		lut, err := bspline.ParseLUTStrategy(sc.LUTStrategy)
		if err != nil {
			return out, err
		}
		vpr, err := sc.VoxPerRgn(fixed.Spacing)
		if err != nil {
			return out, fmt.Errorf("stage %d: %w", i, err)
		}
		geom, err := bspline.GeometryFromHeader(fixed.Header, sc.ROIOffset, sc.ROIDim, vpr, lut)
		if err != nil {
			return out, fmt.Errorf("stage %d: %w", i, err)
		}
		t := bspline.NewTransform(geom)

		var x0 []float64
		if i == first && cp != nil {
			if err := cp.IsCompatible(Summary(geom)); err != nil {
				return out, fmt.Errorf("stage %d: %w", i, err)
			}
			x0 = append([]float64(nil), cp.Coefficients...)
		} else {
			x0 = bspline.CarryOver(prev, prevCoeff, geom)
		}

		e, err := score.NewEvaluator(score.Inputs{
			Geometry:   geom,
			LUT:        t.LUT,
			Fixed:      fixed,
			Moving:     moving,
			MovingGrad: mgrad,
		}, score.Options{Backend: cfg.Backend, Workers: cfg.Workers, Regularization: sc.Regularization.Lambda})
		if err != nil {
			return out, fmt.Errorf("stage %d: %w", i, err)
		}

		res, err := runStage(ctx, i, e, &sc, x0, sink)
		e.Close()
		if err != nil {
			return out, fmt.Errorf("stage %d: %w", i, err)
		}
		out.Stages = append(out.Stages, res)

		if sink != nil {
			if err := sink.StageDone(res); err != nil {
				return out, fmt.Errorf("stage %d: %w", i, err)
			}
		}
		prev, prevCoeff = t, res.Coefficients
	}
	return out, nil
}

func runStage(ctx context.Context, index int, e *score.Evaluator, sc *config.StageConfig, x0 []float64, sink Sink) (*StageResult, error) {
	start := time.Now()
	g := e.Geometry()

	initial, err := e.Evaluate(x0)
	if err != nil {
		return nil, fmt.Errorf("initial evaluation: %w", err)
	}

	optimizer, err := opt.New(sc.OptimizerName(), sc.OptimizerSettings())
	if err != nil {
		return nil, err
	}

	slog.Info("Stage started",
		"stage", index,
		"optimizer", optimizer.Name(),
		"backend", e.Backend(),
		"geometry", g.String(),
		"num_coeff", g.NumCoeff,
		"initial_mse", initial.MSE(),
	)

	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := NewConvergenceTracker(sc.Convergence)
	converged := false
	evals := 0

	objective := func(x, grad []float64) (float64, error) {
		res, err := e.Evaluate(x)
		evals++
		mse := math.Inf(1)
		switch {
		case errors.Is(err, score.ErrNoSamples):
			// Every sample left the moving volume.
			if grad != nil {
				for i := range grad {
					grad[i] = 0
				}
			}
		case err != nil:
			return 0, err
		default:
			mse = res.MSE()
			if grad != nil {
				copy(grad, res.Gradient)
				floats.Scale(1/float64(res.NumVox), grad)
			}
		}

		if sink != nil {
			entry := store.TraceEntry{
				Stage:      index,
				Evaluation: evals,
				Score:      res.Score,
				NumVox:     res.NumVox,
				GradNorm:   res.GradNorm(),
				Timestamp:  time.Now(),
			}
			if err := sink.Evaluation(entry); err != nil {
				return 0, err
			}
		}

		if tracker.Update(mse) {
			converged = true
			cancel()
		}
		return mse, nil
	}

	r, err := optimizer.Run(stageCtx, objective, x0)
	if err != nil {
		stopped := converged && errors.Is(err, context.Canceled) && ctx.Err() == nil
		if !stopped {
			return nil, err
		}
	}

	final, err := e.Evaluate(r.X)
	if err != nil && !errors.Is(err, score.ErrNoSamples) {
		return nil, fmt.Errorf("final evaluation: %w", err)
	}
	if final.NumVox == 0 || final.MSE() > initial.MSE() {
		// Keep the starting point when the optimizer made things worse.
		r.X = append([]float64(nil), x0...)
		final = initial
	}

	status := r.Status
	if converged {
		status = "Converged"
	}
	res := &StageResult{
		Index:        index,
		Geometry:     g,
		Coefficients: r.X,
		Initial:      initial,
		Final:        final,
		Evaluations:  evals,
		Iterations:   r.Iterations,
		Status:       status,
		Converged:    converged,
		Elapsed:      time.Since(start),
	}

	slog.Info("Stage finished",
		"stage", index,
		"status", status,
		"evaluations", evals,
		"iterations", r.Iterations,
		"final_mse", final.MSE(),
		"improvement", res.Improvement(),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// Summary describes g for a checkpoint.
func Summary(g *bspline.Geometry) store.GeometrySummary {
	return store.GeometrySummary{
		Dim:       g.Header.Dim,
		Origin:    g.Header.Origin,
		Spacing:   g.Header.Spacing,
		ROIOffset: g.ROIOffset,
		ROIDim:    g.ROIDim,
		VoxPerRgn: g.VoxPerRgn,
		CDims:     g.CDims,
		LUT:       string(g.LUT),
	}
}
