package gpu

import (
	"context"
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvlib/pkg/nvlib/device"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// deviceIndex is the only device the adapter manages.
const deviceIndex = 0

var nvmlClockTypes = [ClockDomainCount]nvml.ClockType{
	ClockGraphics: nvml.CLOCK_GRAPHICS,
	ClockShader:   nvml.CLOCK_SM,
	ClockMemory:   nvml.CLOCK_MEM,
	ClockVideo:    nvml.CLOCK_VIDEO,
}

func newNVMLLibrary(libraryPath string) nvml.Interface {
	if libraryPath == "" {
		return nvml.New()
	}
	return nvml.New(nvml.WithLibraryPath(libraryPath))
}

func nvmlError(lib nvml.Interface, ret nvml.Return) error {
	return fmt.Errorf("%s (nvml return %d)", lib.ErrorString(ret), int32(ret))
}

// NVMLSource reads telemetry for device 0 through NVML. The library context
// and the device handle are acquired once and held until Close.
type NVMLSource struct {
	lib    nvml.Interface
	device nvml.Device
}

// OpenNVML initialises NVML and resolves device 0. An empty libraryPath
// uses the default library search path.
func OpenNVML(libraryPath string) (*NVMLSource, error) {
	lib := newNVMLLibrary(libraryPath)
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return nil, &InitializationError{Stage: "nvml", Err: nvmlError(lib, ret)}
	}

	dev, ret := lib.DeviceGetHandleByIndex(deviceIndex)
	if ret != nvml.SUCCESS {
		err := nvmlError(lib, ret)
		_ = lib.Shutdown()
		return nil, &InitializationError{Stage: fmt.Sprintf("device %d", deviceIndex), Err: err}
	}

	return &NVMLSource{lib: lib, device: dev}, nil
}

func (s *NVMLSource) uint32Query(value uint32, ret nvml.Return) (uint32, error) {
	if ret != nvml.SUCCESS {
		return 0, nvmlError(s.lib, ret)
	}
	return value, nil
}

func (s *NVMLSource) PowerUsage() (uint32, error) {
	return s.uint32Query(s.device.GetPowerUsage())
}

func (s *NVMLSource) ClockInfo(domain ClockDomain) (uint32, error) {
	if !domain.Valid() {
		return 0, fmt.Errorf("unknown clock domain %d", int(domain))
	}
	return s.uint32Query(s.device.GetClockInfo(nvmlClockTypes[domain]))
}

func (s *NVMLSource) MaxClockInfo(domain ClockDomain) (uint32, error) {
	if !domain.Valid() {
		return 0, fmt.Errorf("unknown clock domain %d", int(domain))
	}
	return s.uint32Query(s.device.GetMaxClockInfo(nvmlClockTypes[domain]))
}

func (s *NVMLSource) Temperature() (uint32, error) {
	return s.uint32Query(s.device.GetTemperature(nvml.TEMPERATURE_GPU))
}

func (s *NVMLSource) MemoryInfo() (MemoryInfo, error) {
	mem, ret := s.device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return MemoryInfo{}, nvmlError(s.lib, ret)
	}
	return MemoryInfo{Free: mem.Free, Used: mem.Used, Total: mem.Total}, nil
}

func (s *NVMLSource) FanSpeed(fan int) (uint32, error) {
	return s.uint32Query(s.device.GetFanSpeed_v2(fan))
}

func (s *NVMLSource) Utilization() (Utilization, error) {
	util, ret := s.device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return Utilization{}, nvmlError(s.lib, ret)
	}
	return Utilization{GPU: util.Gpu, Memory: util.Memory}, nil
}

func (s *NVMLSource) ClockOffsets() (ClockOffsets, error) {
	core, ret := s.device.GetGpcClkVfOffset()
	if ret != nvml.SUCCESS {
		return ClockOffsets{}, fmt.Errorf("core: %w", nvmlError(s.lib, ret))
	}
	mem, ret := s.device.GetMemClkVfOffset()
	if ret != nvml.SUCCESS {
		return ClockOffsets{}, fmt.Errorf("memory: %w", nvmlError(s.lib, ret))
	}
	return ClockOffsets{CoreMHz: core, MemoryMHz: mem}, nil
}

func (s *NVMLSource) Name() (string, error) {
	name, ret := s.device.GetName()
	if ret != nvml.SUCCESS {
		return "", nvmlError(s.lib, ret)
	}
	return name, nil
}

func (s *NVMLSource) DriverVersion() (string, error) {
	version, ret := s.lib.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		return "", nvmlError(s.lib, ret)
	}
	return version, nil
}

// Describe collects static identification data. Fields that cannot be
// read are left empty; only a failed name lookup is reported.
func (s *NVMLSource) Describe() (Info, error) {
	var info Info

	name, err := s.Name()
	if err != nil {
		return Info{}, err
	}
	info.Name = name

	if uuid, ret := s.device.GetUUID(); ret == nvml.SUCCESS {
		info.UUID = uuid
	}
	if pci, ret := s.device.GetPciInfo(); ret == nvml.SUCCESS {
		info.PCIBusID = cString(pci.BusId[:])
		info.PCIID = formatPCIID(pci.PciDeviceId)
		info.PCISubsystemID = formatPCIID(pci.PciSubSystemId)
	}

	devlib := device.New(s.lib)
	if dev, err := devlib.NewDevice(s.device); err == nil {
		if brand, err := dev.GetBrandAsString(); err == nil {
			info.Brand = brand
		}
		if arch, err := dev.GetArchitectureAsString(); err == nil {
			info.Architecture = arch
		}
	}

	return info, nil
}

func (s *NVMLSource) Close() error {
	if ret := s.lib.Shutdown(); ret != nvml.SUCCESS {
		return nvmlError(s.lib, ret)
	}
	return nil
}

// NVMLOffsetBinder opens a dedicated NVML library instance for every apply
// sequence, separate from the context held by NVMLSource.
type NVMLOffsetBinder struct {
	LibraryPath string
}

func (b NVMLOffsetBinder) Open(ctx context.Context) (OffsetWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lib := newNVMLLibrary(b.LibraryPath)
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return nil, &InitializationError{Stage: "nvml write binding", Err: nvmlError(lib, ret)}
	}

	dev, ret := lib.DeviceGetHandleByIndex(deviceIndex)
	if ret != nvml.SUCCESS {
		err := nvmlError(lib, ret)
		_ = lib.Shutdown()
		return nil, &InitializationError{Stage: fmt.Sprintf("write binding device %d", deviceIndex), Err: err}
	}

	return &nvmlOffsetWriter{lib: lib, device: dev}, nil
}

type nvmlOffsetWriter struct {
	lib    nvml.Interface
	device nvml.Device
	closed bool
}

func (w *nvmlOffsetWriter) SetCoreOffset(mhz int) Status {
	return Status(w.device.SetGpcClkVfOffset(mhz))
}

func (w *nvmlOffsetWriter) SetMemoryOffset(mhz int) Status {
	return Status(w.device.SetMemClkVfOffset(mhz))
}

func (w *nvmlOffsetWriter) Close() error {
	if w.closed {
		return errors.New("write binding already closed")
	}
	w.closed = true
	if ret := w.lib.Shutdown(); ret != nvml.SUCCESS {
		return nvmlError(w.lib, ret)
	}
	return nil
}

// formatPCIID renders a packed NVML id (device<<16 | vendor) as "vvvv:dddd".
func formatPCIID(packed uint32) string {
	if packed == 0 {
		return ""
	}
	return fmt.Sprintf("%04x:%04x", packed&0xffff, packed>>16)
}

func cString[T ~int8 | ~uint8](raw []T) string {
	buf := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}
