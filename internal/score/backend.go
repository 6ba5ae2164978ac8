package score

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Backend identifies an execution backend.
type Backend string

const (
	BackendSerial   Backend = "serial"
	BackendParallel Backend = "parallel"
	BackendOpenCL   Backend = "opencl"
)

var (
	// ErrUnknownBackend is returned when the name does not match a known backend.
	ErrUnknownBackend = errors.New("unknown score backend")
	// ErrBackendUnavailable indicates the backend is not available in this build.
	ErrBackendUnavailable = errors.New("score backend unavailable")
)

var noopCleanup = func() {}

// NormalizeBackend maps arbitrary user input to a canonical backend identifier.
func NormalizeBackend(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "parallel", "threads", "cpu":
		return BackendParallel
	case "serial", "reference", "single":
		return BackendSerial
	case "gpu", "opencl", "cl":
		return BackendOpenCL
	default:
		return Backend(name)
	}
}

// SupportedBackends returns the list of backends understood by the factory.
func SupportedBackends() []Backend {
	return []Backend{BackendSerial, BackendParallel, BackendOpenCL}
}

// newStrategyForBackend constructs the requested strategy and returns an
// optional cleanup hook.
func newStrategyForBackend(name string, k *Kernel, sets []ExecutionSet, workers int) (strategy, func(), error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	switch backend := NormalizeBackend(name); backend {
	case BackendSerial:
		return &serialStrategy{kernel: k, sets: sets}, noopCleanup, nil
	case BackendParallel:
		return newParallelStrategy(k, sets, workers), noopCleanup, nil
	case BackendOpenCL:
		return newOpenCLStrategy(k, sets, workers)
	default:
		return nil, noopCleanup, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}
