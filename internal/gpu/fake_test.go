package gpu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/stretchr/testify/mock"
)

var errSensor = errors.New("sensor not supported")

// fakeSource serves canned telemetry. A query fails when its field name is
// present in errs.
type fakeSource struct {
	mu sync.Mutex

	powerMW     uint32
	clocks      [ClockDomainCount]uint32
	maxClocks   [ClockDomainCount]uint32
	temperature uint32
	memory      MemoryInfo
	fans        map[int]uint32
	util        Utilization
	offsets     ClockOffsets
	name        string
	driver      string

	errs   map[string]error
	calls  []string
	closed int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		powerMW:     150000,
		clocks:      [ClockDomainCount]uint32{1800, 1800, 9501, 1650},
		maxClocks:   [ClockDomainCount]uint32{2520, 2520, 10501, 2415},
		temperature: 61,
		memory:      MemoryInfo{Free: 2_048_000_000, Used: 1_024_000_000, Total: 3_072_000_000},
		fans:        map[int]uint32{0: 42, 1: 99},
		util:        Utilization{GPU: 87, Memory: 35},
		offsets:     ClockOffsets{CoreMHz: 0, MemoryMHz: 0},
		name:        "NVIDIA GeForce RTX 4090",
		driver:      "560.35.03",
		errs:        map[string]error{},
	}
}

func (f *fakeSource) record(field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, field)
	return f.errs[field]
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSource) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSource) PowerUsage() (uint32, error) {
	if err := f.record("power"); err != nil {
		return 0, err
	}
	return f.powerMW, nil
}

func (f *fakeSource) ClockInfo(domain ClockDomain) (uint32, error) {
	if err := f.record("clock." + domain.String()); err != nil {
		return 0, err
	}
	return f.clocks[domain], nil
}

func (f *fakeSource) MaxClockInfo(domain ClockDomain) (uint32, error) {
	if err := f.record("max_clock." + domain.String()); err != nil {
		return 0, err
	}
	return f.maxClocks[domain], nil
}

func (f *fakeSource) Temperature() (uint32, error) {
	if err := f.record("temperature"); err != nil {
		return 0, err
	}
	return f.temperature, nil
}

func (f *fakeSource) MemoryInfo() (MemoryInfo, error) {
	if err := f.record("memory"); err != nil {
		return MemoryInfo{}, err
	}
	return f.memory, nil
}

func (f *fakeSource) FanSpeed(fan int) (uint32, error) {
	if err := f.record("fan_speed"); err != nil {
		return 0, err
	}
	return f.fans[fan], nil
}

func (f *fakeSource) Utilization() (Utilization, error) {
	if err := f.record("utilization"); err != nil {
		return Utilization{}, err
	}
	return f.util, nil
}

func (f *fakeSource) ClockOffsets() (ClockOffsets, error) {
	if err := f.record("clock_offsets"); err != nil {
		return ClockOffsets{}, err
	}
	return f.offsets, nil
}

func (f *fakeSource) Name() (string, error) {
	if err := f.record("name"); err != nil {
		return "", err
	}
	return f.name, nil
}

func (f *fakeSource) DriverVersion() (string, error) {
	if err := f.record("driver_version"); err != nil {
		return "", err
	}
	return f.driver, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// mockWriter records offset writes.
type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) SetCoreOffset(mhz int) Status {
	args := m.Called(mhz)
	return args.Get(0).(Status)
}

func (m *mockWriter) SetMemoryOffset(mhz int) Status {
	args := m.Called(mhz)
	return args.Get(0).(Status)
}

func (m *mockWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

// countingBinder hands out the same writer and counts opens.
type countingBinder struct {
	writer OffsetWriter
	err    error
	opens  int
}

func (b *countingBinder) Open(context.Context) (OffsetWriter, error) {
	b.opens++
	if b.err != nil {
		return nil, b.err
	}
	return b.writer, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func privileged() bool   { return true }
func unprivileged() bool { return false }
