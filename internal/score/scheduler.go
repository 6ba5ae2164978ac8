package score

import (
	"fmt"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"gonum.org/v1/gonum/floats"
)

// NumSets is the number of execution sets, one per (rx%4, ry%4, rz%4).
const NumSets = 64

// ExecutionSet groups regions that share no knots. Regions inside one set
// may be accumulated concurrently without synchronization.
type ExecutionSet struct {
	Key     int
	Regions []int
}

// SetKey returns the execution set of region (rx, ry, rz).
func SetKey(rx, ry, rz int) int {
	return (rz%4)*16 + (ry%4)*4 + rx%4
}

// Partition splits the regions of g into NumSets execution sets, indexed by
// key. Regions within a set are in ascending order; sets may be empty.
func Partition(g *bspline.Geometry) []ExecutionSet {
	sets := make([]ExecutionSet, NumSets)
	for key := range sets {
		sets[key].Key = key
	}
	for region := 0; region < g.NumRegions(); region++ {
		r := g.RegionCoords(region)
		key := SetKey(r[0], r[1], r[2])
		if key < 0 || key >= NumSets {
			panic(fmt.Sprintf("score: set key %d out of range for region %v", key, r))
		}
		sets[key].Regions = append(sets[key].Regions, region)
	}
	return sets
}

// accumulator is the mutable state of one evaluation. It is allocated per
// call and handed to the caller inside the Result.
type accumulator struct {
	grad        []float64
	regionScore []float64
	regionCount []int
}

func newAccumulator(g *bspline.Geometry) *accumulator {
	return &accumulator{
		grad:        make([]float64, g.NumCoeff),
		regionScore: make([]float64, g.NumRegions()),
		regionCount: make([]int, g.NumRegions()),
	}
}

// reduce sums the per-region partials in region order and converts the raw
// gradient sum(diff * grad_m * w) into d(score)/d(coeff).
func (a *accumulator) reduce() *Result {
	n := 0
	for _, c := range a.regionCount {
		n += c
	}
	floats.Scale(-2, a.grad)
	return &Result{
		Score:    floats.Sum(a.regionScore),
		Gradient: a.grad,
		NumVox:   n,
	}
}

// strategy decides how regions are fed to the kernel. Implementations must
// finish every region of a set before starting the next set.
type strategy interface {
	// name identifies the backend.
	name() Backend
	// accumulate runs every region once for coeff.
	accumulate(coeff []float64, acc *accumulator) error
}
