package gpu

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPermissionDenied is returned by ApplyOffset when the process lacks
// elevated privileges. No hardware state has been touched when it is returned.
var ErrPermissionDenied = errors.New("gpu: elevated privileges required to apply clock offsets")

// InitializationError reports that the management library or the device
// context could not be brought up.
type InitializationError struct {
	Stage string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("gpu: initialise %s: %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// QueryError reports a failed telemetry read for a single field.
type QueryError struct {
	Field string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("gpu: query %s: %v", e.Field, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// RefreshError collects the per-field failures of one refresh pass.
// Fields that are not listed were updated.
type RefreshError struct {
	Failures []*QueryError
	// Attempted is the number of queries the pass ran; zero when unknown.
	Attempted int
}

func (e *RefreshError) Error() string {
	fields := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		fields = append(fields, f.Field)
	}
	return fmt.Sprintf("gpu: refresh incomplete, %d field(s) kept previous value: %s", len(e.Failures), strings.Join(fields, ", "))
}

func (e *RefreshError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// AllFailed reports whether no query of the pass succeeded.
func (e *RefreshError) AllFailed() bool {
	return e.Attempted > 0 && len(e.Failures) >= e.Attempted
}

// Fields returns the names of the fields that failed.
func (e *RefreshError) Fields() []string {
	fields := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		fields = append(fields, f.Field)
	}
	return fields
}

// InvalidOffsetError reports offset text that is not a signed integer.
type InvalidOffsetError struct {
	Field string
	Input string
	Err   error
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("gpu: invalid %s offset %q: %v", e.Field, e.Input, e.Err)
}

func (e *InvalidOffsetError) Unwrap() error {
	return e.Err
}

// OffsetStep names a stage of the offset write sequence.
type OffsetStep string

const (
	StepCore   OffsetStep = "core"
	StepMemory OffsetStep = "memory"
)

// HardwareRejectedError reports a non-zero status from an offset write.
//
// When Step is StepCore the memory write was never attempted. When Step is
// StepMemory the core offset is still applied (CoreApplied is true).
type HardwareRejectedError struct {
	Step        OffsetStep
	Status      Status
	CoreApplied bool
}

func (e *HardwareRejectedError) Error() string {
	msg := fmt.Sprintf("gpu: hardware rejected %s offset: status %d", e.Step, int(e.Status))
	if e.Step == StepMemory && e.CoreApplied {
		msg += " (core offset remains applied)"
	}
	return msg
}
