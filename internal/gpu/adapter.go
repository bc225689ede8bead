// Package gpu owns the device handle of the monitored GPU and mediates
// telemetry reads and privileged clock offset writes.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// primaryFan is the only fan whose speed is reported.
const primaryFan = 0

// Adapter wraps a TelemetrySource and an OffsetBinder.
//
// All foreign calls made through an Adapter are serialised: a refresh never
// overlaps an apply. Foreign calls cannot be cancelled or timed out; a hung
// call blocks every other caller until it returns.
type Adapter struct {
	source       TelemetrySource
	binder       OffsetBinder
	privileged   PrivilegeChecker
	abortOnError bool
	logger       *slog.Logger
	now          func() time.Time

	callMu sync.Mutex

	mu          sync.RWMutex
	snapshot    Snapshot
	refreshed   bool
	lastRefresh time.Time

	closeOnce sync.Once
	closeErr  error
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithOffsetBinder sets the binding used for offset writes.
func WithOffsetBinder(binder OffsetBinder) Option {
	return func(a *Adapter) {
		a.binder = binder
	}
}

// WithPrivilegeChecker replaces the OS privilege check.
func WithPrivilegeChecker(check PrivilegeChecker) Option {
	return func(a *Adapter) {
		a.privileged = check
	}
}

// WithAbortOnQueryError makes Refresh stop at the first failed query
// instead of attempting the remaining fields.
func WithAbortOnQueryError(abort bool) Option {
	return func(a *Adapter) {
		a.abortOnError = abort
	}
}

func withClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// New builds an Adapter over an initialised source. The snapshot starts zeroed.
func New(source TelemetrySource, opts ...Option) (*Adapter, error) {
	if source == nil {
		return nil, &InitializationError{Stage: "adapter", Err: errors.New("nil telemetry source")}
	}
	a := &Adapter{
		source:     source,
		privileged: IsPrivileged,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "gpu_adapter")
	return a, nil
}

type refreshStep struct {
	field string
	run   func(s *Snapshot) error
}

func (a *Adapter) refreshSteps() []refreshStep {
	steps := []refreshStep{{
		field: "power",
		run: func(s *Snapshot) error {
			mw, err := a.source.PowerUsage()
			if err != nil {
				return err
			}
			s.PowerWatts = milliwattsToWatts(mw)
			return nil
		},
	}}

	for _, domain := range ClockDomains {
		steps = append(steps,
			refreshStep{
				field: "clock." + domain.String(),
				run: func(s *Snapshot) error {
					mhz, err := a.source.ClockInfo(domain)
					if err != nil {
						return err
					}
					s.ClockMHz[domain] = mhz
					return nil
				},
			},
			refreshStep{
				field: "max_clock." + domain.String(),
				run: func(s *Snapshot) error {
					mhz, err := a.source.MaxClockInfo(domain)
					if err != nil {
						return err
					}
					s.MaxClockMHz[domain] = mhz
					return nil
				},
			},
		)
	}

	return append(steps,
		refreshStep{
			field: "temperature",
			run: func(s *Snapshot) error {
				temp, err := a.source.Temperature()
				if err != nil {
					return err
				}
				s.TemperatureC = temp
				return nil
			},
		},
		refreshStep{
			field: "memory",
			run: func(s *Snapshot) error {
				info, err := a.source.MemoryInfo()
				if err != nil {
					return err
				}
				s.MemoryFreeMiB = bytesToMiB(info.Free)
				s.MemoryUsedMiB = bytesToMiB(info.Used)
				s.MemoryTotalMiB = bytesToMiB(info.Total)
				return nil
			},
		},
		refreshStep{
			field: "fan_speed",
			run: func(s *Snapshot) error {
				pct, err := a.source.FanSpeed(primaryFan)
				if err != nil {
					return err
				}
				s.FanSpeedPct = pct
				return nil
			},
		},
		refreshStep{
			field: "utilization",
			run: func(s *Snapshot) error {
				util, err := a.source.Utilization()
				if err != nil {
					return err
				}
				s.GPUUtilPct = util.GPU
				s.MemUtilPct = util.Memory
				return nil
			},
		},
		refreshStep{
			field: "clock_offsets",
			run: func(s *Snapshot) error {
				offsets, err := a.source.ClockOffsets()
				if err != nil {
					return err
				}
				s.CoreOffsetMHz = offsets.CoreMHz
				s.MemOffsetMHz = offsets.MemoryMHz
				return nil
			},
		},
	)
}

// Refresh polls every telemetry field once and stores the result.
//
// Each query is attempted independently; a failed field keeps its previous
// value and is reported in the returned *RefreshError. With
// WithAbortOnQueryError the first failure is returned as a *QueryError and
// the fields after it are left untouched.
func (a *Adapter) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.callMu.Lock()
	defer a.callMu.Unlock()

	next := a.Snapshot()
	var failures []*QueryError

	steps := a.refreshSteps()
	for _, step := range steps {
		err := step.run(&next)
		if err == nil {
			continue
		}
		qerr := &QueryError{Field: step.field, Err: err}
		if a.abortOnError {
			a.store(next)
			return qerr
		}
		a.logger.Warn("telemetry query failed, keeping previous value", "field", step.field, "err", err)
		failures = append(failures, qerr)
	}

	a.store(next)
	if len(failures) > 0 {
		return &RefreshError{Failures: failures, Attempted: len(steps)}
	}
	return nil
}

func (a *Adapter) store(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot = s
	a.refreshed = true
	a.lastRefresh = a.now().UTC()
}

// Snapshot returns a copy of the current telemetry.
func (a *Adapter) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Refreshed reports whether Refresh has run at least once.
func (a *Adapter) Refreshed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.refreshed
}

// LastRefresh returns the time the snapshot was last stored.
func (a *Adapter) LastRefresh() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRefresh
}

// Name returns the device product name.
func (a *Adapter) Name(ctx context.Context) (string, error) {
	return a.queryString(ctx, "name", a.source.Name)
}

// DriverVersion returns the installed driver version.
func (a *Adapter) DriverVersion(ctx context.Context) (string, error) {
	return a.queryString(ctx, "driver_version", a.source.DriverVersion)
}

func (a *Adapter) queryString(ctx context.Context, field string, query func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.callMu.Lock()
	defer a.callMu.Unlock()

	value, err := query()
	if err != nil {
		return "", &QueryError{Field: field, Err: err}
	}
	return value, nil
}

// Privileged reports whether offset writes can be attempted.
func (a *Adapter) Privileged() bool {
	if a.privileged == nil {
		return false
	}
	return a.privileged()
}

// ApplyOffset parses the offset text and applies it. See ApplyOffsetRequest.
func (a *Adapter) ApplyOffset(ctx context.Context, core, mem string) (OffsetResult, error) {
	req, err := ParseOffsetRequest(core, mem)
	if err != nil {
		return OffsetResult{}, err
	}
	return a.ApplyOffsetRequest(ctx, req)
}

// ApplyOffsetRequest writes the core offset and then the memory offset.
//
// Without privileges it returns ErrPermissionDenied before any foreign call.
// A rejected core write stops the sequence; a rejected memory write leaves
// the core offset applied. Nothing is rolled back.
func (a *Adapter) ApplyOffsetRequest(ctx context.Context, req OffsetRequest) (OffsetResult, error) {
	result := OffsetResult{
		OperationID: uuid.NewString(),
		Request:     req,
	}
	logger := a.logger.With("op_id", result.OperationID, "core_mhz", req.CoreMHz, "mem_mhz", req.MemoryMHz)

	if !a.Privileged() {
		logger.Warn("offset apply refused", "reason", "not privileged")
		return result, ErrPermissionDenied
	}
	if a.binder == nil {
		return result, &InitializationError{Stage: "offset binding", Err: errors.New("no offset binder configured")}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	a.callMu.Lock()
	defer a.callMu.Unlock()

	writer, err := a.binder.Open(ctx)
	if err != nil {
		var initErr *InitializationError
		if errors.As(err, &initErr) {
			return result, err
		}
		return result, &InitializationError{Stage: "offset binding", Err: err}
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warn("offset binding close", "err", err)
		}
	}()

	if status := writer.SetCoreOffset(req.CoreMHz); status != StatusSuccess {
		logger.Error("core offset rejected", "status", int(status))
		return result, &HardwareRejectedError{Step: StepCore, Status: status}
	}
	result.CoreApplied = true
	a.recordOffsets(&req.CoreMHz, nil)

	if status := writer.SetMemoryOffset(req.MemoryMHz); status != StatusSuccess {
		logger.Error("memory offset rejected, core offset remains applied", "status", int(status))
		return result, &HardwareRejectedError{Step: StepMemory, Status: status, CoreApplied: true}
	}
	result.MemoryApplied = true
	a.recordOffsets(nil, &req.MemoryMHz)

	logger.Info("clock offsets applied")
	return result, nil
}

// recordOffsets mirrors applied offsets into the snapshot until the next
// refresh reads them back from the device.
func (a *Adapter) recordOffsets(core, mem *int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if core != nil {
		a.snapshot.CoreOffsetMHz = *core
	}
	if mem != nil {
		a.snapshot.MemOffsetMHz = *mem
	}
}

// Close releases the telemetry source. Safe for repeated use.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.callMu.Lock()
		defer a.callMu.Unlock()
		if err := a.source.Close(); err != nil {
			a.closeErr = fmt.Errorf("close telemetry source: %w", err)
		}
	})
	return a.closeErr
}
