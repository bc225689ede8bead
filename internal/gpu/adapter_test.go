package gpu

import (
	"context"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, source TelemetrySource, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	adapter, err := New(source, opts...)
	require.NoError(t, err)
	return adapter
}

func TestNewRejectsNilSource(t *testing.T) {
	_, err := New(nil)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
}

func TestAdapterStartsZeroed(t *testing.T) {
	adapter := newTestAdapter(t, newFakeSource())

	assert.False(t, adapter.Refreshed())
	assert.Equal(t, Snapshot{}, adapter.Snapshot())
	assert.True(t, adapter.LastRefresh().IsZero())
}

func TestRefreshPopulatesSnapshot(t *testing.T) {
	source := newFakeSource()
	source.offsets = ClockOffsets{CoreMHz: 120, MemoryMHz: -250}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	adapter := newTestAdapter(t, source, withClock(func() time.Time { return fixed }))

	require.NoError(t, adapter.Refresh(context.Background()))

	snap := adapter.Snapshot()
	assert.Equal(t, uint32(150), snap.PowerWatts)
	assert.Equal(t, uint32(61), snap.TemperatureC)
	assert.Equal(t, uint64(2000), snap.MemoryFreeMiB)
	assert.Equal(t, uint64(1000), snap.MemoryUsedMiB)
	assert.Equal(t, uint64(3000), snap.MemoryTotalMiB)
	assert.Equal(t, uint32(42), snap.FanSpeedPct, "fan 0 only")
	assert.Equal(t, uint32(87), snap.GPUUtilPct)
	assert.Equal(t, uint32(35), snap.MemUtilPct)
	assert.Equal(t, [ClockDomainCount]uint32{1800, 1800, 9501, 1650}, snap.ClockMHz)
	assert.Equal(t, [ClockDomainCount]uint32{2520, 2520, 10501, 2415}, snap.MaxClockMHz)
	assert.Equal(t, 120, snap.CoreOffsetMHz)
	assert.Equal(t, -250, snap.MemOffsetMHz)
	assert.True(t, adapter.Refreshed())
	assert.Equal(t, fixed, adapter.LastRefresh())
}

func TestRefreshQueryOrder(t *testing.T) {
	source := newFakeSource()
	adapter := newTestAdapter(t, source)

	require.NoError(t, adapter.Refresh(context.Background()))

	assert.Equal(t, []string{
		"power",
		"clock.graphics", "max_clock.graphics",
		"clock.shader", "max_clock.shader",
		"clock.memory", "max_clock.memory",
		"clock.video", "max_clock.video",
		"temperature",
		"memory",
		"fan_speed",
		"utilization",
		"clock_offsets",
	}, source.callLog())
}

func TestMemoryConversionTruncates(t *testing.T) {
	cases := []struct {
		bytes uint64
		want  uint64
	}{
		{0, 0},
		{1_023_999, 0},
		{1_024_000, 1},
		{1_048_576, 1},
		{2_047_999, 1},
		{1_024_000_000, 1000},
		{25_757_220_864, 25153},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, bytesToMiB(tc.bytes), "bytes=%d", tc.bytes)
	}
}

func TestPowerConversionTruncates(t *testing.T) {
	assert.Equal(t, uint32(150), milliwattsToWatts(150000))
	assert.Equal(t, uint32(150), milliwattsToWatts(150999))
	assert.Equal(t, uint32(0), milliwattsToWatts(999))
}

func TestRefreshOverwritesEveryField(t *testing.T) {
	source := newFakeSource()
	adapter := newTestAdapter(t, source)
	ctx := context.Background()

	require.NoError(t, adapter.Refresh(ctx))
	first := adapter.Snapshot()

	source.set(func(f *fakeSource) {
		f.powerMW = 220500
		f.clocks = [ClockDomainCount]uint32{2100, 2101, 10001, 1900}
		f.maxClocks = [ClockDomainCount]uint32{2600, 2601, 10502, 2500}
		f.temperature = 70
		f.memory = MemoryInfo{Free: 1_024_000, Used: 4_096_000, Total: 5_120_000}
		f.fans[0] = 65
		f.util = Utilization{GPU: 100, Memory: 80}
		f.offsets = ClockOffsets{CoreMHz: 15, MemoryMHz: 30}
	})

	require.NoError(t, adapter.Refresh(ctx))
	second := adapter.Snapshot()

	assert.NotEqual(t, first, second)
	assert.Equal(t, Snapshot{
		PowerWatts:     220,
		TemperatureC:   70,
		MemoryFreeMiB:  1,
		MemoryUsedMiB:  4,
		MemoryTotalMiB: 5,
		FanSpeedPct:    65,
		GPUUtilPct:     100,
		MemUtilPct:     80,
		ClockMHz:       [ClockDomainCount]uint32{2100, 2101, 10001, 1900},
		MaxClockMHz:    [ClockDomainCount]uint32{2600, 2601, 10502, 2500},
		CoreOffsetMHz:  15,
		MemOffsetMHz:   30,
	}, second)

	for _, domain := range ClockDomains {
		current, max := second.Clock(domain)
		assert.Equal(t, source.clocks[domain], current, domain.String())
		assert.Equal(t, source.maxClocks[domain], max, domain.String())
	}
}

func TestRefreshKeepsPreviousValueOnQueryFailure(t *testing.T) {
	source := newFakeSource()
	adapter := newTestAdapter(t, source)
	ctx := context.Background()

	require.NoError(t, adapter.Refresh(ctx))

	source.set(func(f *fakeSource) {
		f.temperature = 99
		f.powerMW = 300000
		f.clocks[ClockMemory] = 7000
		f.errs["temperature"] = errSensor
		f.errs["max_clock.video"] = errSensor
	})

	err := adapter.Refresh(ctx)
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, []string{"max_clock.video", "temperature"}, refreshErr.Fields())
	assert.False(t, refreshErr.AllFailed())
	assert.ErrorIs(t, err, errSensor)

	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, "max_clock.video", queryErr.Field)

	snap := adapter.Snapshot()
	assert.Equal(t, uint32(61), snap.TemperatureC, "failed field keeps previous value")
	assert.Equal(t, uint32(2415), snap.MaxClockMHz[ClockVideo], "failed field keeps previous value")
	assert.Equal(t, uint32(300), snap.PowerWatts, "other fields still refresh")
	assert.Equal(t, uint32(7000), snap.ClockMHz[ClockMemory])
	assert.Len(t, source.callLog(), 28, "every query attempted on both passes")
}

func TestRefreshAbortOnQueryError(t *testing.T) {
	source := newFakeSource()
	source.errs["clock.shader"] = errSensor
	adapter := newTestAdapter(t, source, WithAbortOnQueryError(true))

	err := adapter.Refresh(context.Background())
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, "clock.shader", queryErr.Field)

	var refreshErr *RefreshError
	assert.False(t, errors.As(err, &refreshErr))

	snap := adapter.Snapshot()
	assert.Equal(t, uint32(150), snap.PowerWatts)
	assert.Equal(t, uint32(1800), snap.ClockMHz[ClockGraphics])
	assert.Equal(t, uint32(0), snap.ClockMHz[ClockShader])
	assert.Equal(t, uint32(0), snap.TemperatureC, "queries after the failure are not attempted")
	assert.Equal(t, []string{"power", "clock.graphics", "max_clock.graphics", "clock.shader"}, source.callLog())
}

func TestRefreshReportsAllFailed(t *testing.T) {
	source := newFakeSource()
	adapter := newTestAdapter(t, source)
	require.NoError(t, adapter.Refresh(context.Background()))

	queried := source.callLog()
	source.set(func(f *fakeSource) {
		for _, field := range queried {
			f.errs[field] = errSensor
		}
	})

	err := adapter.Refresh(context.Background())
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.NotZero(t, refreshErr.Attempted)
	assert.Len(t, refreshErr.Failures, refreshErr.Attempted)
	assert.True(t, refreshErr.AllFailed())
}

func TestRefreshHonoursCanceledContext(t *testing.T) {
	source := newFakeSource()
	adapter := newTestAdapter(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, adapter.Refresh(ctx), context.Canceled)
	assert.Empty(t, source.callLog())
	assert.False(t, adapter.Refreshed())
}

func TestNameAndDriverVersion(t *testing.T) {
	source := newFakeSource()
	adapter := newTestAdapter(t, source)
	ctx := context.Background()

	name, err := adapter.Name(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", name)

	driver, err := adapter.DriverVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "560.35.03", driver)

	source.errs["name"] = errSensor
	_, err = adapter.Name(ctx)
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, "name", queryErr.Field)
}

func TestInfoWithoutDescriber(t *testing.T) {
	adapter := newTestAdapter(t, newFakeSource())

	info, err := adapter.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Info{Name: "NVIDIA GeForce RTX 4090", DriverVersion: "560.35.03"}, info)
}

func TestApplyOffsetWithoutPrivilegeMakesNoForeignCall(t *testing.T) {
	writer := &mockWriter{}
	binder := &countingBinder{writer: writer}
	adapter := newTestAdapter(t, newFakeSource(), WithOffsetBinder(binder), WithPrivilegeChecker(unprivileged))

	result, err := adapter.ApplyOffset(context.Background(), "50", "-100")
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, result.CoreApplied)
	assert.False(t, result.MemoryApplied)
	assert.Zero(t, binder.opens)
	writer.AssertNotCalled(t, "SetCoreOffset", mock.Anything)
	writer.AssertNotCalled(t, "SetMemoryOffset", mock.Anything)
}

func TestApplyOffsetParsesAndWritesInOrder(t *testing.T) {
	writer := &mockWriter{}
	mock.InOrder(
		writer.On("SetCoreOffset", 50).Return(StatusSuccess).Once(),
		writer.On("SetMemoryOffset", -100).Return(StatusSuccess).Once(),
		writer.On("Close").Return(nil).Once(),
	)
	binder := &countingBinder{writer: writer}
	adapter := newTestAdapter(t, newFakeSource(), WithOffsetBinder(binder), WithPrivilegeChecker(privileged))

	result, err := adapter.ApplyOffset(context.Background(), "50", "-100")
	require.NoError(t, err)

	writer.AssertExpectations(t)
	writer.AssertNumberOfCalls(t, "SetCoreOffset", 1)
	writer.AssertNumberOfCalls(t, "SetMemoryOffset", 1)
	assert.Equal(t, 1, binder.opens)
	assert.Equal(t, OffsetRequest{CoreMHz: 50, MemoryMHz: -100}, result.Request)
	assert.True(t, result.CoreApplied)
	assert.True(t, result.MemoryApplied)
	assert.NotEmpty(t, result.OperationID)

	snap := adapter.Snapshot()
	assert.Equal(t, 50, snap.CoreOffsetMHz)
	assert.Equal(t, -100, snap.MemOffsetMHz)
}

func TestApplyOffsetCoreRejectedSkipsMemory(t *testing.T) {
	writer := &mockWriter{}
	writer.On("SetCoreOffset", 75).Return(Status(3)).Once()
	writer.On("Close").Return(nil).Once()
	adapter := newTestAdapter(t, newFakeSource(), WithOffsetBinder(&countingBinder{writer: writer}), WithPrivilegeChecker(privileged))

	result, err := adapter.ApplyOffset(context.Background(), "75", "200")

	var rejected *HardwareRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, StepCore, rejected.Step)
	assert.Equal(t, Status(3), rejected.Status)
	assert.False(t, rejected.CoreApplied)
	assert.False(t, result.CoreApplied)
	writer.AssertExpectations(t)
	writer.AssertNotCalled(t, "SetMemoryOffset", mock.Anything)
	assert.Equal(t, 0, adapter.Snapshot().CoreOffsetMHz)
}

func TestApplyOffsetMemoryRejectedLeavesCoreApplied(t *testing.T) {
	writer := &mockWriter{}
	mock.InOrder(
		writer.On("SetCoreOffset", 50).Return(StatusSuccess).Once(),
		writer.On("SetMemoryOffset", 500).Return(Status(999)).Once(),
		writer.On("Close").Return(nil).Once(),
	)
	source := newFakeSource()
	source.offsets = ClockOffsets{CoreMHz: 10, MemoryMHz: 20}
	adapter := newTestAdapter(t, source, WithOffsetBinder(&countingBinder{writer: writer}), WithPrivilegeChecker(privileged))
	require.NoError(t, adapter.Refresh(context.Background()))

	result, err := adapter.ApplyOffset(context.Background(), "50", "500")

	var rejected *HardwareRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, StepMemory, rejected.Step)
	assert.Equal(t, Status(999), rejected.Status)
	assert.True(t, rejected.CoreApplied)
	assert.Contains(t, rejected.Error(), "core offset remains applied")

	assert.True(t, result.CoreApplied)
	assert.False(t, result.MemoryApplied)
	writer.AssertExpectations(t)

	snap := adapter.Snapshot()
	assert.Equal(t, 50, snap.CoreOffsetMHz)
	assert.Equal(t, 20, snap.MemOffsetMHz)
}

func TestApplyOffsetInvalidInput(t *testing.T) {
	cases := []struct {
		name  string
		core  string
		mem   string
		field string
	}{
		{"CoreNotNumber", "fast", "0", "core"},
		{"MemNotNumber", "10", "1e3", "memory"},
		{"CoreEmpty", "", "0", "core"},
		{"MemFloat", "0", "12.5", "memory"},
		{"CoreAboveInt32", "2147483648", "0", "core"},
		{"MemBelowInt32", "0", "-2147483649", "memory"},
		{"CoreWraps", "4294967346", "-4294967396", "core"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			writer := &mockWriter{}
			binder := &countingBinder{writer: writer}
			adapter := newTestAdapter(t, newFakeSource(), WithOffsetBinder(binder), WithPrivilegeChecker(privileged))

			_, err := adapter.ApplyOffset(context.Background(), tc.core, tc.mem)
			var invalid *InvalidOffsetError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tc.field, invalid.Field)
			assert.Zero(t, binder.opens)
		})
	}
}

func TestParseOffsetRequestAcceptsSignsAndSpaces(t *testing.T) {
	req, err := ParseOffsetRequest(" +50 ", "-100\n")
	require.NoError(t, err)
	assert.Equal(t, OffsetRequest{CoreMHz: 50, MemoryMHz: -100}, req)
}

func TestParseOffsetRequestInt32Bounds(t *testing.T) {
	req, err := ParseOffsetRequest("2147483647", "-2147483648")
	require.NoError(t, err)
	assert.Equal(t, OffsetRequest{CoreMHz: math.MaxInt32, MemoryMHz: math.MinInt32}, req)

	_, err = ParseOffsetRequest("2147483648", "0")
	var invalid *InvalidOffsetError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, strconv.ErrRange)
}

func TestApplyOffsetBindingFailure(t *testing.T) {
	binder := &countingBinder{err: errors.New("libnvidia-ml.so.1: cannot open shared object file")}
	adapter := newTestAdapter(t, newFakeSource(), WithOffsetBinder(binder), WithPrivilegeChecker(privileged))

	_, err := adapter.ApplyOffset(context.Background(), "1", "2")
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "offset binding", initErr.Stage)
}

func TestApplyOffsetWithoutBinder(t *testing.T) {
	adapter := newTestAdapter(t, newFakeSource(), WithPrivilegeChecker(privileged))

	_, err := adapter.ApplyOffset(context.Background(), "1", "2")
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
}

func TestCloseIsIdempotent(t *testing.T) {
	source := newFakeSource()
	adapter := newTestAdapter(t, source)

	require.NoError(t, adapter.Close())
	require.NoError(t, adapter.Close())
	assert.Equal(t, 1, source.closed)
}
