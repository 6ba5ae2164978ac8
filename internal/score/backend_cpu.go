package score

import (
	"golang.org/x/sync/errgroup"
)

// serialStrategy is the single-threaded reference: sets in key order,
// regions in ascending order.
type serialStrategy struct {
	kernel *Kernel
	sets   []ExecutionSet
}

func (s *serialStrategy) name() Backend { return BackendSerial }

func (s *serialStrategy) accumulate(coeff []float64, acc *accumulator) error {
	for _, set := range s.sets {
		for _, region := range set.Regions {
			s.kernel.scoreRegion(coeff, region, acc)
		}
	}
	return nil
}

// parallelStrategy runs the regions of one set concurrently and waits
// before moving to the next set. Each region writes its own score slot and
// knots no other region of the set touches, so no locking is needed.
type parallelStrategy struct {
	kernel  *Kernel
	sets    []ExecutionSet
	workers int
}

func newParallelStrategy(k *Kernel, sets []ExecutionSet, workers int) *parallelStrategy {
	return &parallelStrategy{kernel: k, sets: sets, workers: workers}
}

func (p *parallelStrategy) name() Backend { return BackendParallel }

func (p *parallelStrategy) accumulate(coeff []float64, acc *accumulator) error {
	return forEachSet(p.sets, p.workers, func(region int) {
		p.kernel.scoreRegion(coeff, region, acc)
	})
}

// forEachSet calls fn for every region, fanning regions of one set out over
// at most workers goroutines. Wait is the barrier between sets.
func forEachSet(sets []ExecutionSet, workers int, fn func(region int)) error {
	for _, set := range sets {
		n := len(set.Regions)
		if n == 0 {
			continue
		}
		chunks := workers
		if chunks > n {
			chunks = n
		}
		if chunks <= 1 {
			for _, region := range set.Regions {
				fn(region)
			}
			continue
		}

		var g errgroup.Group
		g.SetLimit(chunks)
		for c := 0; c < chunks; c++ {
			lo := c * n / chunks
			hi := (c + 1) * n / chunks
			regions := set.Regions[lo:hi]
			g.Go(func() error {
				for _, region := range regions {
					fn(region)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
