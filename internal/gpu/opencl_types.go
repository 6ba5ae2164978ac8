// Package gpu wraps OpenCL platform discovery and context creation. The
// real implementation needs the gpu build tag and an OpenCL ICD loader.
package gpu

import "fmt"

// DeviceType describes the class of an OpenCL device.
type DeviceType string

const (
	DeviceTypeGPU         DeviceType = "GPU"
	DeviceTypeCPU         DeviceType = "CPU"
	DeviceTypeAccelerator DeviceType = "Accelerator"
	DeviceTypeDefault     DeviceType = "Default"
	DeviceTypeUnknown     DeviceType = "Unknown"
)

// devicePreference is the order in which InitOpenCL picks a device.
var devicePreference = []DeviceType{DeviceTypeGPU, DeviceTypeAccelerator, DeviceTypeCPU}

// DeviceInfo captures metadata about an OpenCL device.
type DeviceInfo struct {
	Name            string
	Vendor          string
	Version         string
	Type            DeviceType
	MaxComputeUnits uint32
	GlobalMemBytes  uint64
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (%s, %s, %d CUs)", d.Name, d.Type, d.Vendor, d.MaxComputeUnits)
}

// PlatformInfo captures metadata about an OpenCL platform and its devices.
type PlatformInfo struct {
	Name    string
	Vendor  string
	Version string
	Devices []DeviceInfo
}
