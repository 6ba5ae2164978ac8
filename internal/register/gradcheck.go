package register

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cwbudde/bsplinereg/internal/score"
	"gonum.org/v1/gonum/floats"
)

// CheckMode selects how CheckGradient probes the score.
type CheckMode string

const (
	CheckForward  CheckMode = "fwd"
	CheckBackward CheckMode = "bkd"
	CheckCentral  CheckMode = "ctr"
	// CheckLine scans the score along the analytic gradient.
	CheckLine CheckMode = "line"
)

// ParseCheckMode accepts the short names and forward, backward, central.
func ParseCheckMode(s string) (CheckMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fwd", "forward":
		return CheckForward, nil
	case "bkd", "backward":
		return CheckBackward, nil
	case "", "ctr", "central":
		return CheckCentral, nil
	case "line":
		return CheckLine, nil
	default:
		return "", fmt.Errorf("unknown gradient check mode %q", s)
	}
}

// CheckOptions configure CheckGradient.
type CheckOptions struct {
	Mode CheckMode
	// Step is the finite-difference step in mm.
	Step float64
	// Indices restricts the check to these coefficients; nil checks all.
	Indices []int

	// Line mode scans alpha in [AlphaMin, AlphaMax] with AlphaSteps points.
	AlphaMin   float64
	AlphaMax   float64
	AlphaSteps int
}

// DefaultCheckOptions returns a central check with a 1e-4 mm step.
func DefaultCheckOptions() CheckOptions {
	return CheckOptions{
		Mode:       CheckCentral,
		Step:       1e-4,
		AlphaMin:   0,
		AlphaMax:   1,
		AlphaSteps: 11,
	}
}

// GradientEntry compares one component.
type GradientEntry struct {
	Index    int
	Analytic float64
	Numeric  float64
	AbsErr   float64
	RelErr   float64
}

// LinePoint is one score along the gradient line.
type LinePoint struct {
	Alpha  float64
	Score  float64
	NumVox int
}

// GradientCheck is the report of CheckGradient.
type GradientCheck struct {
	Mode      CheckMode
	Base      *score.Result
	Entries   []GradientEntry
	MaxAbsErr float64
	MaxRelErr float64
	// RMSErr is the root mean square of the absolute errors.
	RMSErr float64
	Line   []LinePoint
}

// CheckGradient compares the analytic gradient of e at coeff with finite
// differences of the score, or scans the score along coeff + alpha*grad.
// coeff is not modified.
func CheckGradient(e *score.Evaluator, coeff []float64, opts CheckOptions) (*GradientCheck, error) {
	base, err := e.Evaluate(coeff)
	if err != nil {
		return nil, err
	}
	report := &GradientCheck{Mode: opts.Mode, Base: base}
	x := append([]float64(nil), coeff...)

	if opts.Mode == CheckLine {
		if opts.AlphaSteps < 2 {
			return nil, errors.New("line check needs at least two alpha steps")
		}
		for i := 0; i < opts.AlphaSteps; i++ {
			alpha := opts.AlphaMin + (opts.AlphaMax-opts.AlphaMin)*float64(i)/float64(opts.AlphaSteps-1)
			copy(x, coeff)
			floats.AddScaled(x, alpha, base.Gradient)
			r, err := e.Evaluate(x)
			if err != nil && !errors.Is(err, score.ErrNoSamples) {
				return nil, err
			}
			report.Line = append(report.Line, LinePoint{Alpha: alpha, Score: r.Score, NumVox: r.NumVox})
		}
		return report, nil
	}

	if !(opts.Step > 0) {
		return nil, fmt.Errorf("finite-difference step must be positive, got %g", opts.Step)
	}
	indices := opts.Indices
	if indices == nil {
		indices = make([]int, len(coeff))
		for i := range indices {
			indices[i] = i
		}
	}

	probe := func(i int, delta float64) (float64, error) {
		x[i] = coeff[i] + delta
		r, err := e.Evaluate(x)
		x[i] = coeff[i]
		if err != nil && !errors.Is(err, score.ErrNoSamples) {
			return 0, err
		}
		return r.Score, nil
	}

	var sumSq float64
	for _, i := range indices {
		if i < 0 || i >= len(coeff) {
			return nil, fmt.Errorf("coefficient index %d out of range [0, %d)", i, len(coeff))
		}
		var numeric float64
		switch opts.Mode {
		case CheckForward:
			plus, err := probe(i, opts.Step)
			if err != nil {
				return nil, err
			}
			numeric = (plus - base.Score) / opts.Step
		case CheckBackward:
			minus, err := probe(i, -opts.Step)
			if err != nil {
				return nil, err
			}
			numeric = (base.Score - minus) / opts.Step
		case CheckCentral:
			plus, err := probe(i, opts.Step)
			if err != nil {
				return nil, err
			}
			minus, err := probe(i, -opts.Step)
			if err != nil {
				return nil, err
			}
			numeric = (plus - minus) / (2 * opts.Step)
		default:
			return nil, fmt.Errorf("unknown gradient check mode %q", opts.Mode)
		}

		analytic := base.Gradient[i]
		abs := math.Abs(analytic - numeric)
		rel := 0.0
		if scale := math.Max(math.Abs(analytic), math.Abs(numeric)); scale > 0 {
			rel = abs / scale
		}
		report.Entries = append(report.Entries, GradientEntry{
			Index:    i,
			Analytic: analytic,
			Numeric:  numeric,
			AbsErr:   abs,
			RelErr:   rel,
		})
		report.MaxAbsErr = math.Max(report.MaxAbsErr, abs)
		report.MaxRelErr = math.Max(report.MaxRelErr, rel)
		sumSq += abs * abs
	}
	if n := len(report.Entries); n > 0 {
		report.RMSErr = math.Sqrt(sumSq / float64(n))
	}
	return report, nil
}
