package gpu

import "context"

// TelemetrySource is the read side of the hardware binding. Implementations
// hold a single device handle for their whole lifetime.
type TelemetrySource interface {
	// PowerUsage returns the current board power draw in milliwatts.
	PowerUsage() (uint32, error)
	ClockInfo(domain ClockDomain) (uint32, error)
	MaxClockInfo(domain ClockDomain) (uint32, error)
	Temperature() (uint32, error)
	MemoryInfo() (MemoryInfo, error)
	FanSpeed(fan int) (uint32, error)
	Utilization() (Utilization, error)
	ClockOffsets() (ClockOffsets, error)
	Name() (string, error)
	DriverVersion() (string, error)
	Close() error
}

// Status is the raw integer status returned by a low-level offset call.
// Zero means success.
type Status int

// StatusSuccess is the status reported by a successful write.
const StatusSuccess Status = 0

// OffsetWriter is the low-level write binding for VF clock offsets.
type OffsetWriter interface {
	SetCoreOffset(mhz int) Status
	SetMemoryOffset(mhz int) Status
	Close() error
}

// OffsetBinder opens a fresh OffsetWriter for one apply sequence. The
// writer is independent from the TelemetrySource context.
type OffsetBinder interface {
	Open(ctx context.Context) (OffsetWriter, error)
}

// OffsetBinderFunc adapts a function to OffsetBinder.
type OffsetBinderFunc func(ctx context.Context) (OffsetWriter, error)

func (f OffsetBinderFunc) Open(ctx context.Context) (OffsetWriter, error) {
	return f(ctx)
}

// PrivilegeChecker reports whether the process may issue offset writes.
type PrivilegeChecker func() bool
