package volume

import (
	"runtime"
	"sync"
)

// Gradient computes the physical-space intensity gradient of v. Interior
// voxels use central differences, border voxels one-sided differences.
// Slices along k are processed concurrently.
func Gradient(v *Volume) (*VectorVolume, error) {
	m, err := v.Header.Mapping()
	if err != nil {
		return nil, err
	}

	g := NewVector(v.Header)
	dim := v.Dim

	workers := runtime.NumCPU()
	if workers > dim[2] {
		workers = dim[2]
	}
	slices := make(chan int, dim[2])
	for k := 0; k < dim[2]; k++ {
		slices <- k
	}
	close(slices)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range slices {
				for j := 0; j < dim[1]; j++ {
					for i := 0; i < dim[0]; i++ {
						di := diff1(v, i, j, k, 0)
						dj := diff1(v, i, j, k, 1)
						dk := diff1(v, i, j, k, 2)
						phys := m.IndexGradientToPhysical([3]float64{di, dj, dk})
						n := 3 * v.Index(i, j, k)
						g.Data[n] = float32(phys[0])
						g.Data[n+1] = float32(phys[1])
						g.Data[n+2] = float32(phys[2])
					}
				}
			}
		}()
	}
	wg.Wait()

	return g, nil
}

// diff1 returns the derivative along one index axis.
func diff1(v *Volume, i, j, k, axis int) float64 {
	p := [3]int{i, j, k}
	n := v.Dim[axis]
	if n == 1 {
		return 0
	}
	lo, hi := p, p
	switch {
	case p[axis] == 0:
		hi[axis]++
	case p[axis] == n-1:
		lo[axis]--
	default:
		lo[axis]--
		hi[axis]++
	}
	span := float64(hi[axis] - lo[axis])
	return (float64(v.At(hi[0], hi[1], hi[2])) - float64(v.At(lo[0], lo[1], lo[2]))) / span
}
