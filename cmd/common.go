package main

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/cwbudde/bsplinereg/internal/config"
	"github.com/cwbudde/bsplinereg/internal/score"
	"github.com/cwbudde/bsplinereg/internal/synth"
	"github.com/cwbudde/bsplinereg/internal/volume"
)

// volumePair generates the fixed and moving volumes of cfg.
func volumePair(cfg *config.Config) (fixed, moving *volume.Volume, err error) {
	fixed, err = synth.Generate(cfg.Fixed)
	if err != nil {
		return nil, nil, fmt.Errorf("fixed volume: %w", err)
	}
	moving, err = synth.Generate(cfg.Moving)
	if err != nil {
		return nil, nil, fmt.Errorf("moving volume: %w", err)
	}
	return fixed, moving, nil
}

// stageGeometry builds the control grid of stage i over fixed.
func stageGeometry(cfg *config.Config, fixed *volume.Volume, i int) (*bspline.Geometry, error) {
	if i < 0 || i >= len(cfg.Stages) {
		return nil, fmt.Errorf("stage %d out of range, config has %d stages", i, len(cfg.Stages))
	}
	s := cfg.Stages[i]
	lut, err := bspline.ParseLUTStrategy(s.LUTStrategy)
	if err != nil {
		return nil, err
	}
	vpr, err := s.VoxPerRgn(fixed.Spacing)
	if err != nil {
		return nil, fmt.Errorf("stage %d: %w", i, err)
	}
	return bspline.GeometryFromHeader(fixed.Header, s.ROIOffset, s.ROIDim, vpr, lut)
}

// newEvaluator builds the evaluator of stage i on the given backend.
func newEvaluator(cfg *config.Config, fixed, moving *volume.Volume, i int, backend string) (*score.Evaluator, error) {
	g, err := stageGeometry(cfg, fixed, i)
	if err != nil {
		return nil, err
	}
	mgrad, err := volume.Gradient(moving)
	if err != nil {
		return nil, err
	}
	return score.NewEvaluator(score.Inputs{
		Geometry:   g,
		Fixed:      fixed,
		Moving:     moving,
		MovingGrad: mgrad,
	}, score.Options{
		Backend:        backend,
		Workers:        cfg.Workers,
		Regularization: cfg.Stages[i].Regularization.Lambda,
	})
}

// randomCoefficients returns n values uniform in [-scale, scale].
func randomCoefficients(n int, scale float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	c := make([]float64, n)
	if scale == 0 {
		return c
	}
	for i := range c {
		c[i] = (rng.Float64()*2 - 1) * scale
	}
	return c
}
