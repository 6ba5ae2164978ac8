//go:build gpu

package score

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <CL/cl.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cwbudde/bsplinereg/internal/gpu"
)

// openclKernelSource computes the per-voxel sample of every ROI voxel. The
// scatter onto knots stays on the host so it can follow the set partition.
const openclKernelSource = `
void clamp_linear(float ma, int dmax, int *maf, int *mar, float *fa1, float *fa2) {
    if (dmax <= 0) {
        *maf = 0; *mar = 0; *fa1 = 1.0f; *fa2 = 0.0f;
        return;
    }
    float fl = floor(ma);
    int f = (int)fl;
    float frac = ma - fl;
    if (f < 0) {
        f = 0; *mar = 0; frac = 0.0f;
    } else if (f >= dmax) {
        f = dmax - 1; *mar = dmax; frac = 1.0f;
    } else {
        *mar = f + 1;
    }
    *maf = f;
    *fa1 = 1.0f - frac;
    *fa2 = frac;
}

__kernel void ssd_samples(
    __global const float *coeff,
    __global const float *weights,
    __global const int *knots,
    __global const float *fixed,
    __global const float *moving,
    __global const float *mgrad,
    __global const float *geom,
    __global const int *dims,
    __global int *outValid,
    __global float *outDiff,
    __global float *outDcDv) {

    const int idx = get_global_id(0);
    const int roiX = dims[3], roiY = dims[4], roiZ = dims[5];
    if (idx >= roiX * roiY * roiZ) {
        return;
    }

    const int ri = idx % roiX;
    const int rj = (idx / roiX) % roiY;
    const int rk = idx / (roiX * roiY);
    const int i = dims[0] + ri;
    const int j = dims[1] + rj;
    const int k = dims[2] + rk;

    const int region = ((rk / dims[8]) * dims[10] + (rj / dims[7])) * dims[9] + (ri / dims[6]);
    const int offset = ((rk % dims[8]) * dims[7] + (rj % dims[7])) * dims[6] + (ri % dims[6]);

    float dx = 0.0f, dy = 0.0f, dz = 0.0f;
    for (int m = 0; m < 64; ++m) {
        const int kn = knots[region * 64 + m];
        const float w = weights[offset * 64 + m];
        dx += coeff[3 * kn + 0] * w;
        dy += coeff[3 * kn + 1] * w;
        dz += coeff[3 * kn + 2] * w;
    }

    const float fi = (float)i, fj = (float)j, fk = (float)k;
    const float px = geom[0] + geom[3] * fi + geom[4] * fj + geom[5] * fk + dx;
    const float py = geom[1] + geom[6] * fi + geom[7] * fj + geom[8] * fk + dy;
    const float pz = geom[2] + geom[9] * fi + geom[10] * fj + geom[11] * fk + dz;

    const float ox = px - geom[12], oy = py - geom[13], oz = pz - geom[14];
    const float mi = geom[15] * ox + geom[16] * oy + geom[17] * oz;
    const float mj = geom[18] * ox + geom[19] * oy + geom[20] * oz;
    const float mk = geom[21] * ox + geom[22] * oy + geom[23] * oz;

    const int mx = dims[15], my = dims[16], mz = dims[17];
    if (!(mi >= -0.5f && mi <= (float)mx - 0.5f &&
          mj >= -0.5f && mj <= (float)my - 0.5f &&
          mk >= -0.5f && mk <= (float)mz - 0.5f)) {
        outValid[idx] = 0;
        outDiff[idx] = 0.0f;
        outDcDv[3 * idx + 0] = 0.0f;
        outDcDv[3 * idx + 1] = 0.0f;
        outDcDv[3 * idx + 2] = 0.0f;
        return;
    }

    int xf, xr, yf, yr, zf, zr;
    float fx1, fx2, fy1, fy2, fz1, fz2;
    clamp_linear(mi, mx - 1, &xf, &xr, &fx1, &fx2);
    clamp_linear(mj, my - 1, &yf, &yr, &fy1, &fy2);
    clamp_linear(mk, mz - 1, &zf, &zr, &fz1, &fz2);

    const int sy = mx, sz = mx * my;
    const int off[8] = {
        zf * sz + yf * sy + xf, zf * sz + yf * sy + xr,
        zf * sz + yr * sy + xf, zf * sz + yr * sy + xr,
        zr * sz + yf * sy + xf, zr * sz + yf * sy + xr,
        zr * sz + yr * sy + xf, zr * sz + yr * sy + xr
    };
    const float w8[8] = {
        fz1 * fy1 * fx1, fz1 * fy1 * fx2,
        fz1 * fy2 * fx1, fz1 * fy2 * fx2,
        fz2 * fy1 * fx1, fz2 * fy1 * fx2,
        fz2 * fy2 * fx1, fz2 * fy2 * fx2
    };

    float mval = 0.0f, gx = 0.0f, gy = 0.0f, gz = 0.0f;
    for (int n = 0; n < 8; ++n) {
        mval += w8[n] * moving[off[n]];
        gx += w8[n] * mgrad[3 * off[n] + 0];
        gy += w8[n] * mgrad[3 * off[n] + 1];
        gz += w8[n] * mgrad[3 * off[n] + 2];
    }

    const float f = fixed[(k * dims[13] + j) * dims[12] + i];
    const float diff = f - mval;
    outValid[idx] = 1;
    outDiff[idx] = diff;
    outDcDv[3 * idx + 0] = diff * gx;
    outDcDv[3 * idx + 1] = diff * gy;
    outDcDv[3 * idx + 2] = diff * gz;
}
`

// openclStrategy computes samples on the device and scatters them on the
// host through the execution sets. It falls back to the parallel CPU
// strategy after the first device failure.
//
// The device buffers and host staging slices are shared, so mu serializes
// evaluations.
type openclStrategy struct {
	mu sync.Mutex

	runtime  *gpu.Runtime
	kernel   *Kernel
	sets     []ExecutionSet
	workers  int
	fallback *parallelStrategy
	degraded bool

	context C.cl_context
	queue   C.cl_command_queue
	device  C.cl_device_id
	program C.cl_program
	clKern  C.cl_kernel

	buffers map[string]C.cl_mem

	numVox   int
	coeffF32 []float32
	valid    []int32
	diff     []float32
	dcdv     []float32
}

func newOpenCLStrategy(k *Kernel, sets []ExecutionSet, workers int) (strategy, func(), error) {
	rt, err := gpu.InitOpenCL()
	if err != nil {
		return nil, noopCleanup, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	n := k.geom.NumROIVoxels()
	s := &openclStrategy{
		runtime:  rt,
		kernel:   k,
		sets:     sets,
		workers:  workers,
		fallback: newParallelStrategy(k, sets, workers),
		buffers:  make(map[string]C.cl_mem),
		numVox:   n,
		coeffF32: make([]float32, k.geom.NumCoeff),
		valid:    make([]int32, n),
		diff:     make([]float32, n),
		dcdv:     make([]float32, 3*n),
	}

	if err := s.init(); err != nil {
		s.release()
		return nil, noopCleanup, err
	}

	slog.Info("OpenCL score backend ready",
		"device", rt.Device.Name,
		"vendor", rt.Device.Vendor,
		"compute_units", rt.Device.MaxComputeUnits,
		"roi_voxels", n,
	)
	return s, s.release, nil
}

func (s *openclStrategy) name() Backend { return BackendOpenCL }

func (s *openclStrategy) init() error {
	s.context = C.cl_context(s.runtime.ContextPtr())
	s.queue = C.cl_command_queue(s.runtime.QueuePtr())
	s.device = C.cl_device_id(s.runtime.DevicePtr())
	if s.context == nil || s.queue == nil {
		return fmt.Errorf("%w: failed to access OpenCL context/queue", ErrBackendUnavailable)
	}

	source := C.CString(openclKernelSource)
	defer C.free(unsafe.Pointer(source))

	var status C.cl_int
	s.program = C.clCreateProgramWithSource(s.context, 1, &source, nil, &status)
	if status != C.CL_SUCCESS {
		return gpu.StatusError("clCreateProgramWithSource", int(status))
	}
	if status = C.clBuildProgram(s.program, 1, &s.device, nil, nil, nil); status != C.CL_SUCCESS {
		s.logBuildLog()
		return gpu.StatusError("clBuildProgram", int(status))
	}

	kernelName := C.CString("ssd_samples")
	defer C.free(unsafe.Pointer(kernelName))
	s.clKern = C.clCreateKernel(s.program, kernelName, &status)
	if status != C.CL_SUCCESS {
		return gpu.StatusError("clCreateKernel", int(status))
	}

	k := s.kernel
	g := k.geom

	weights := make([]float32, g.NumOffsets()*64)
	var buf [64]float64
	for offset := 0; offset < g.NumOffsets(); offset++ {
		for m, w := range k.lut.Weights(offset, buf[:]) {
			weights[offset*64+m] = float32(w)
		}
	}
	knots := make([]int32, g.NumRegions()*64)
	for region := 0; region < g.NumRegions(); region++ {
		for m, kn := range k.lut.Knots(region) {
			knots[region*64+m] = int32(kn)
		}
	}

	geom := make([]float32, 24)
	for i := 0; i < 3; i++ {
		geom[i] = float32(g.Mapping.Origin[i])
		geom[12+i] = float32(k.movingMap.Origin[i])
	}
	for i := 0; i < 9; i++ {
		geom[3+i] = float32(g.Mapping.Step[i])
		geom[15+i] = float32(k.movingMap.Proj[i])
	}

	dims := make([]int32, 18)
	for d := 0; d < 3; d++ {
		dims[d] = int32(g.ROIOffset[d])
		dims[3+d] = int32(g.ROIDim[d])
		dims[6+d] = int32(g.VoxPerRgn[d])
		dims[9+d] = int32(g.RDims[d])
		dims[12+d] = int32(k.fixed.Dim[d])
		dims[15+d] = int32(k.moving.Dim[d])
	}

	mgrad := k.movingGrad.Data
	uploads := []struct {
		name string
		ptr  unsafe.Pointer
		size int
	}{
		{"weights", unsafe.Pointer(&weights[0]), 4 * len(weights)},
		{"knots", unsafe.Pointer(&knots[0]), 4 * len(knots)},
		{"fixed", unsafe.Pointer(&k.fixed.Data[0]), 4 * len(k.fixed.Data)},
		{"moving", unsafe.Pointer(&k.moving.Data[0]), 4 * len(k.moving.Data)},
		{"mgrad", unsafe.Pointer(&mgrad[0]), 4 * len(mgrad)},
		{"geom", unsafe.Pointer(&geom[0]), 4 * len(geom)},
		{"dims", unsafe.Pointer(&dims[0]), 4 * len(dims)},
	}
	for _, u := range uploads {
		mem := C.clCreateBuffer(s.context, C.CL_MEM_READ_ONLY|C.CL_MEM_COPY_HOST_PTR, C.size_t(u.size), u.ptr, &status)
		if status != C.CL_SUCCESS {
			return gpu.StatusError("clCreateBuffer("+u.name+")", int(status))
		}
		s.buffers[u.name] = mem
	}

	outputs := []struct {
		name  string
		flags C.cl_mem_flags
		size  int
	}{
		{"coeff", C.CL_MEM_READ_ONLY, 4 * len(s.coeffF32)},
		{"valid", C.CL_MEM_WRITE_ONLY, 4 * s.numVox},
		{"diff", C.CL_MEM_WRITE_ONLY, 4 * s.numVox},
		{"dcdv", C.CL_MEM_WRITE_ONLY, 12 * s.numVox},
	}
	for _, o := range outputs {
		mem := C.clCreateBuffer(s.context, o.flags, C.size_t(o.size), nil, &status)
		if status != C.CL_SUCCESS {
			return gpu.StatusError("clCreateBuffer("+o.name+")", int(status))
		}
		s.buffers[o.name] = mem
	}

	for i, name := range []string{"coeff", "weights", "knots", "fixed", "moving", "mgrad", "geom", "dims", "valid", "diff", "dcdv"} {
		mem := s.buffers[name]
		if status = C.clSetKernelArg(s.clKern, C.cl_uint(i), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem)); status != C.CL_SUCCESS {
			return gpu.StatusError("clSetKernelArg("+name+")", int(status))
		}
	}
	return nil
}

func (s *openclStrategy) logBuildLog() {
	var size C.size_t
	if status := C.clGetProgramBuildInfo(s.program, s.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size); status != C.CL_SUCCESS || size == 0 {
		return
	}
	buf := make([]byte, int(size))
	if status := C.clGetProgramBuildInfo(s.program, s.device, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return
	}
	slog.Error("OpenCL build log", "log", string(buf))
}

func (s *openclStrategy) accumulate(coeff []float64, acc *accumulator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return s.fallback.accumulate(coeff, acc)
	}
	if err := s.runSamples(coeff); err != nil {
		slog.Warn("OpenCL score backend degraded to CPU", "reason", err)
		s.degraded = true
		return s.fallback.accumulate(coeff, acc)
	}

	k := s.kernel
	g := k.geom
	return forEachSet(s.sets, s.workers, func(region int) {
		k.accumulateRegion(region, acc, func(_ int, voxel [3]int, _ []int, _ []float64) Sample {
			n := ((voxel[2]-g.ROIOffset[2])*g.ROIDim[1]+(voxel[1]-g.ROIOffset[1]))*g.ROIDim[0] + (voxel[0] - g.ROIOffset[0])
			if s.valid[n] == 0 {
				return Sample{}
			}
			return Sample{
				Included: true,
				Diff:     float64(s.diff[n]),
				DcDv:     [3]float64{float64(s.dcdv[3*n]), float64(s.dcdv[3*n+1]), float64(s.dcdv[3*n+2])},
			}
		})
	})
}

func (s *openclStrategy) runSamples(coeff []float64) error {
	for i, c := range coeff {
		s.coeffF32[i] = float32(c)
	}

	status := C.clEnqueueWriteBuffer(s.queue, s.buffers["coeff"], C.CL_TRUE, 0,
		C.size_t(4*len(s.coeffF32)), unsafe.Pointer(&s.coeffF32[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return gpu.StatusError("clEnqueueWriteBuffer(coeff)", int(status))
	}

	global := C.size_t(s.numVox)
	if status = C.clEnqueueNDRangeKernel(s.queue, s.clKern, 1, nil, &global, nil, 0, nil, nil); status != C.CL_SUCCESS {
		return gpu.StatusError("clEnqueueNDRangeKernel", int(status))
	}
	if status = C.clFinish(s.queue); status != C.CL_SUCCESS {
		return gpu.StatusError("clFinish", int(status))
	}

	reads := []struct {
		name string
		ptr  unsafe.Pointer
		size int
	}{
		{"valid", unsafe.Pointer(&s.valid[0]), 4 * len(s.valid)},
		{"diff", unsafe.Pointer(&s.diff[0]), 4 * len(s.diff)},
		{"dcdv", unsafe.Pointer(&s.dcdv[0]), 4 * len(s.dcdv)},
	}
	for _, r := range reads {
		status = C.clEnqueueReadBuffer(s.queue, s.buffers[r.name], C.CL_TRUE, 0, C.size_t(r.size), r.ptr, 0, nil, nil)
		if status != C.CL_SUCCESS {
			return gpu.StatusError("clEnqueueReadBuffer("+r.name+")", int(status))
		}
	}
	return nil
}

func (s *openclStrategy) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, mem := range s.buffers {
		if mem != nil {
			C.clReleaseMemObject(mem)
		}
		delete(s.buffers, name)
	}
	if s.clKern != nil {
		C.clReleaseKernel(s.clKern)
		s.clKern = nil
	}
	if s.program != nil {
		C.clReleaseProgram(s.program)
		s.program = nil
	}
	if s.runtime != nil {
		s.runtime.Close()
		s.runtime = nil
	}
}
