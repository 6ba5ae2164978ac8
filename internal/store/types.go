package store

import (
	"fmt"
	"time"
)

// JobConfig is the part of the run configuration stored with a checkpoint.
// It is a copy so that store does not depend on the config package.
type JobConfig struct {
	ConfigPath string `json:"configPath,omitempty"`
	Backend    string `json:"backend"`
	Workers    int    `json:"workers,omitempty"`
	Optimizer  string `json:"optimizer"`
	Stages     int    `json:"stages"`
	Seed       int64  `json:"seed,omitempty"`
}

// GeometrySummary identifies the control grid the coefficients belong to.
type GeometrySummary struct {
	Dim       [3]int     `json:"dim"`
	Origin    [3]float64 `json:"origin"`
	Spacing   [3]float64 `json:"spacing"`
	ROIOffset [3]int     `json:"roiOffset"`
	ROIDim    [3]int     `json:"roiDim"`
	VoxPerRgn [3]int     `json:"voxPerRgn"`
	CDims     [3]int     `json:"cdims"`
	LUT       string     `json:"lut"`
}

// NumCoeff is the coefficient count of the grid.
func (g GeometrySummary) NumCoeff() int {
	return 3 * g.CDims[0] * g.CDims[1] * g.CDims[2]
}

// Checkpoint is the best state of one registration stage.
//
// Optimizer internals (L-BFGS history, Mayfly population) are not saved.
// A resumed stage restarts its optimizer from Coefficients.
type Checkpoint struct {
	JobID string `json:"jobId"`

	// Stage is the zero-based index of the stage that produced Coefficients.
	Stage int `json:"stage"`

	// Coefficients are the B-spline coefficients, 3 per knot, x fastest.
	Coefficients []float64 `json:"coefficients"`

	Geometry GeometrySummary `json:"geometry"`

	// Score is the SSD of Coefficients; InitialScore is the SSD at the start
	// of the stage.
	Score        float64 `json:"score"`
	InitialScore float64 `json:"initialScore"`
	NumVox       int     `json:"numVox"`
	GradNorm     float64 `json:"gradNorm"`
	Evaluations  int     `json:"evaluations"`

	Timestamp time.Time `json:"timestamp"`
	Config    JobConfig `json:"config"`
}

// CheckpointInfo is checkpoint metadata without the coefficients.
type CheckpointInfo struct {
	JobID       string    `json:"jobId"`
	Stage       int       `json:"stage"`
	Score       float64   `json:"score"`
	NumVox      int       `json:"numVox"`
	NumCoeff    int       `json:"numCoeff"`
	Evaluations int       `json:"evaluations"`
	Backend     string    `json:"backend"`
	Optimizer   string    `json:"optimizer"`
	Timestamp   time.Time `json:"timestamp"`
}

// MSE is the mean squared difference, or 0 without samples.
func (i CheckpointInfo) MSE() float64 {
	if i.NumVox == 0 {
		return 0
	}
	return i.Score / float64(i.NumVox)
}

// ToInfo returns the metadata of c.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:       c.JobID,
		Stage:       c.Stage,
		Score:       c.Score,
		NumVox:      c.NumVox,
		NumCoeff:    len(c.Coefficients),
		Evaluations: c.Evaluations,
		Backend:     c.Config.Backend,
		Optimizer:   c.Config.Optimizer,
		Timestamp:   c.Timestamp,
	}
}

// Validate checks that c is complete and self-consistent.
func (c *Checkpoint) Validate() error {
	switch {
	case c.JobID == "":
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	case len(c.Coefficients) == 0:
		return &ValidationError{Field: "Coefficients", Reason: "cannot be empty"}
	case c.Stage < 0:
		return &ValidationError{Field: "Stage", Reason: "cannot be negative"}
	case c.Score < 0:
		return &ValidationError{Field: "Score", Reason: "cannot be negative"}
	case c.NumVox < 0:
		return &ValidationError{Field: "NumVox", Reason: "cannot be negative"}
	case c.Timestamp.IsZero():
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	for a := 0; a < 3; a++ {
		if c.Geometry.CDims[a] < 4 {
			return &ValidationError{Field: "Geometry.CDims", Reason: fmt.Sprintf("axis %d has %d knots, need at least 4", a, c.Geometry.CDims[a])}
		}
	}
	if want := c.Geometry.NumCoeff(); len(c.Coefficients) != want {
		return &ValidationError{
			Field:  "Coefficients",
			Reason: fmt.Sprintf("length mismatch: expected %d for control grid %v", want, c.Geometry.CDims),
		}
	}
	return nil
}

// ValidationError reports an invalid checkpoint field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible reports whether c can seed a stage on grid g.
func (c *Checkpoint) IsCompatible(g GeometrySummary) error {
	mismatch := func(field string, want, got any) error {
		return &CompatibilityError{Field: field, Expected: fmt.Sprint(want), Actual: fmt.Sprint(got)}
	}
	h := c.Geometry
	switch {
	case h.Dim != g.Dim:
		return mismatch("Dim", h.Dim, g.Dim)
	case h.ROIOffset != g.ROIOffset:
		return mismatch("ROIOffset", h.ROIOffset, g.ROIOffset)
	case h.ROIDim != g.ROIDim:
		return mismatch("ROIDim", h.ROIDim, g.ROIDim)
	case h.VoxPerRgn != g.VoxPerRgn:
		return mismatch("VoxPerRgn", h.VoxPerRgn, g.VoxPerRgn)
	}
	return nil
}

// CompatibilityError reports a checkpoint that does not fit a grid.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
