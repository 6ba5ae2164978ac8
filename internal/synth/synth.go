// Package synth generates analytic test volumes.
package synth

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cwbudde/bsplinereg/internal/volume"
)

// ErrUnknownPattern is returned for a pattern name Generate does not know.
var ErrUnknownPattern = errors.New("unknown synthetic pattern")

// Pattern names a volume shape.
type Pattern string

const (
	// PatternGauss is an isotropic Gaussian blob.
	PatternGauss Pattern = "gauss"
	// PatternRect is an axis-aligned box.
	PatternRect Pattern = "rect"
	// PatternSphere is a ball with a linear edge one voxel wide.
	PatternSphere Pattern = "sphere"
	// PatternRamp is a linear gradient along x.
	PatternRamp Pattern = "ramp"
)

// Patterns lists every pattern Generate accepts.
func Patterns() []Pattern {
	return []Pattern{PatternGauss, PatternRect, PatternSphere, PatternRamp}
}

// Options describe a synthetic volume. Lengths are in mm, positions are
// relative to the volume center.
type Options struct {
	Pattern     Pattern    `yaml:"pattern"`
	Dim         [3]int     `yaml:"dim"`
	Origin      [3]float64 `yaml:"origin"`
	Spacing     [3]float64 `yaml:"spacing"`
	Background  float64    `yaml:"background"`
	Foreground  float64    `yaml:"foreground"`
	Sigma       [3]float64 `yaml:"sigma"`
	Translation [3]float64 `yaml:"translation"`
}

// DefaultOptions returns a 32^3 Gaussian at unit spacing.
func DefaultOptions() Options {
	return Options{
		Pattern:    PatternGauss,
		Dim:        [3]int{32, 32, 32},
		Spacing:    [3]float64{1, 1, 1},
		Background: 0,
		Foreground: 100,
		Sigma:      [3]float64{6, 6, 6},
	}
}

func (o Options) pattern() Pattern {
	return Pattern(strings.ToLower(strings.TrimSpace(string(o.Pattern))))
}

// Validate checks that o describes a volume Generate can build.
func (o Options) Validate() error {
	switch o.pattern() {
	case PatternGauss, PatternRect, PatternSphere, PatternRamp:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPattern, o.Pattern)
	}
	for a := 0; a < 3; a++ {
		if o.Sigma[a] <= 0 {
			return fmt.Errorf("sigma[%d] must be positive, got %g", a, o.Sigma[a])
		}
	}
	return volume.NewHeader(o.Dim, o.Origin, o.Spacing).Validate()
}

// Generate builds the volume described by o.
func Generate(o Options) (*volume.Volume, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	h := volume.NewHeader(o.Dim, o.Origin, o.Spacing)
	m, err := h.Mapping()
	if err != nil {
		return nil, err
	}

	// Pattern center in physical space.
	var center [3]float64
	mid := m.Physical([3]float64{
		float64(o.Dim[0]-1) / 2,
		float64(o.Dim[1]-1) / 2,
		float64(o.Dim[2]-1) / 2,
	})
	for a := 0; a < 3; a++ {
		center[a] = mid[a] + o.Translation[a]
	}

	shape := shapeFunc(o.pattern(), o, h)
	v := volume.New(h)
	v.Fill(func(i, j, k int) float32 {
		p := m.Physical([3]float64{float64(i), float64(j), float64(k)})
		var d [3]float64
		for a := 0; a < 3; a++ {
			d[a] = p[a] - center[a]
		}
		return float32(o.Background + (o.Foreground-o.Background)*shape(d))
	})
	return v, nil
}

// shapeFunc returns the pattern as a function of the offset from its
// center, scaled to [0, 1] inside the volume.
func shapeFunc(p Pattern, o Options, h volume.Header) func(d [3]float64) float64 {
	s := o.Sigma
	switch p {
	case PatternRect:
		return func(d [3]float64) float64 {
			for a := 0; a < 3; a++ {
				if math.Abs(d[a]) > s[a] {
					return 0
				}
			}
			return 1
		}
	case PatternSphere:
		return func(d [3]float64) float64 {
			var r float64
			for a := 0; a < 3; a++ {
				r += (d[a] / s[a]) * (d[a] / s[a])
			}
			// Edge one voxel wide along x.
			edge := h.Spacing[0] / s[0]
			return clamp01((1-math.Sqrt(r))/edge + 0.5)
		}
	case PatternRamp:
		extent := float64(o.Dim[0]) * h.Spacing[0]
		return func(d [3]float64) float64 {
			return clamp01(d[0]/extent + 0.5)
		}
	default:
		return func(d [3]float64) float64 {
			var e float64
			for a := 0; a < 3; a++ {
				e += d[a] * d[a] / (2 * s[a] * s[a])
			}
			return math.Exp(-e)
		}
	}
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
