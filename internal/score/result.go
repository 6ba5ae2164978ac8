package score

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoSamples is returned together with a zero Result when every voxel was
// excluded. An empty evaluation is not a perfect score.
var ErrNoSamples = errors.New("no voxels sampled")

// Result is the output of one evaluation. It is owned by the caller.
type Result struct {
	// Score is the sum of squared differences over included voxels plus
	// Regularization.
	Score float64
	// Regularization is the weighted bending energy included in Score.
	Regularization float64
	// Gradient is d(Score)/d(coeff), parallel to the coefficient vector.
	Gradient []float64
	// NumVox is the number of included voxels.
	NumVox int
	// Elapsed is the wall time of the evaluation.
	Elapsed time.Duration
}

// MSE returns Score / NumVox, or 0 without samples.
func (r *Result) MSE() float64 {
	if r.NumVox == 0 {
		return 0
	}
	return r.Score / float64(r.NumVox)
}

// SSD returns the similarity part of Score.
func (r *Result) SSD() float64 { return r.Score - r.Regularization }

// GradNorm returns the Euclidean norm of the gradient.
func (r *Result) GradNorm() float64 {
	if len(r.Gradient) == 0 {
		return 0
	}
	return floats.Norm(r.Gradient, 2)
}

// GradMean returns the mean gradient component.
func (r *Result) GradMean() float64 {
	if len(r.Gradient) == 0 {
		return 0
	}
	return stat.Mean(r.Gradient, nil)
}

// GradStats summarizes a gradient vector.
type GradStats struct {
	Mean   float64
	StdDev float64
	Norm   float64
	MaxAbs float64
}

// Stats returns summary statistics of the gradient.
func (r *Result) Stats() GradStats {
	if len(r.Gradient) == 0 {
		return GradStats{}
	}
	mean, std := stat.MeanStdDev(r.Gradient, nil)
	maxAbs := math.Max(math.Abs(floats.Max(r.Gradient)), math.Abs(floats.Min(r.Gradient)))
	return GradStats{
		Mean:   mean,
		StdDev: std,
		Norm:   r.GradNorm(),
		MaxAbs: maxAbs,
	}
}
