package score

import (
	"log/slog"

	"golang.org/x/sys/cpu"
)

// KernelVariant identifies the 64-term inner loops selected at startup.
type KernelVariant int

const (
	KernelPlain    KernelVariant = iota // straight loops
	KernelUnrolled                      // 4-way unrolled loops
)

func (v KernelVariant) String() string {
	switch v {
	case KernelPlain:
		return "plain"
	case KernelUnrolled:
		return "unrolled4"
	default:
		return "unknown"
	}
}

// ActiveKernel reports which variant was selected at initialization.
var ActiveKernel KernelVariant

// dotKnots returns sum_m coeff[3*knots[m]+c] * w[m] for c in {x, y, z}.
var dotKnots func(coeff []float64, knots []int, w []float64) [3]float64

// scatterKnots adds v[c] * w[m] to grad[3*knots[m]+c].
var scatterKnots func(grad []float64, knots []int, w []float64, v [3]float64)

func init() {
	// Wide out-of-order cores keep more loads in flight with the unrolled
	// loops. Both variants add terms in the same order.
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		useKernel(KernelUnrolled)
		slog.Debug("Score kernel initialized", "variant", ActiveKernel.String(), "avx2", cpu.X86.HasAVX2, "asimd", cpu.ARM64.HasASIMD)
	} else {
		useKernel(KernelPlain)
		slog.Debug("Score kernel initialized", "variant", ActiveKernel.String(), "reason", "no wide-issue features")
	}
}

func useKernel(v KernelVariant) {
	ActiveKernel = v
	switch v {
	case KernelUnrolled:
		dotKnots = dotKnotsUnrolled
		scatterKnots = scatterKnotsUnrolled
	default:
		dotKnots = dotKnotsPlain
		scatterKnots = scatterKnotsPlain
	}
}
