//go:build !gpu

package score

import (
	"testing"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/stretchr/testify/assert"
)

func TestOpenCLUnavailableWithoutTag(t *testing.T) {
	f := randomFixture(t, 20, bspline.LUTAligned)
	_, err := NewEvaluator(f.inputs(), Options{Backend: "opencl"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
