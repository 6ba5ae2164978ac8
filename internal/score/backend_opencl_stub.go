//go:build !gpu

package score

import (
	"fmt"

	"github.com/cwbudde/bsplinereg/internal/gpu"
)

func newOpenCLStrategy(_ *Kernel, _ []ExecutionSet, _ int) (strategy, func(), error) {
	return nil, noopCleanup, fmt.Errorf("%w: %v", ErrBackendUnavailable, gpu.ErrNotBuilt)
}
