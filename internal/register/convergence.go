package register

import (
	"log/slog"
	"math"

	"github.com/cwbudde/bsplinereg/internal/config"
)

// ConvergenceTracker watches the objective values of one stage and reports
// when Patience consecutive values failed to improve on the last
// significant one by at least Threshold (relative).
type ConvergenceTracker struct {
	config          config.ConvergenceConfig
	history         []float64
	best            float64
	lastSignificant float64
	staleCount      int
}

// NewConvergenceTracker returns a tracker. Patience 0 disables it.
func NewConvergenceTracker(cfg config.ConvergenceConfig) *ConvergenceTracker {
	t := &ConvergenceTracker{config: cfg}
	t.Reset()
	return t
}

// Enabled reports whether Update can ever return true.
func (c *ConvergenceTracker) Enabled() bool { return c.config.Patience > 0 }

// Update records v and reports whether the stage has converged.
func (c *ConvergenceTracker) Update(v float64) bool {
	c.history = append(c.history, v)
	if v < c.best {
		c.best = v
	}

	if math.IsInf(c.lastSignificant, 1) {
		if !math.IsInf(v, 1) {
			c.lastSignificant = v
		}
		return false
	}

	improvement := c.lastSignificant - v
	rel := 0.0
	if c.lastSignificant > 0 {
		rel = improvement / c.lastSignificant
	}
	if improvement > 0 && rel >= c.config.Threshold {
		c.lastSignificant = v
		c.staleCount = 0
		return false
	}

	c.staleCount++
	if !c.Enabled() || c.staleCount < c.config.Patience {
		return false
	}
	slog.Debug("Stage converged",
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
		"best", c.best,
	)
	return true
}

// Best returns the lowest value seen.
func (c *ConvergenceTracker) Best() float64 { return c.best }

// StaleCount is the number of values since the last significant improvement.
func (c *ConvergenceTracker) StaleCount() int { return c.staleCount }

// History returns a copy of every value passed to Update.
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.history...)
}

// Reset forgets all values.
func (c *ConvergenceTracker) Reset() {
	c.history = nil
	c.best = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
