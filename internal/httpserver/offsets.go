package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/skobkin/nvtweak/internal/api"
	"github.com/skobkin/nvtweak/internal/gpu"
)

const maxOffsetBody = 4 << 10

const (
	codeInvalidPayload  = "invalid_payload"
	codeInvalidOffset   = "invalid_offset"
	codePermission      = "permission_denied"
	codeOffsetsDisabled = "offsets_disabled"
	codeRejected        = "hardware_rejected"
	codeInitialization  = "initialization_failed"
	codeInternal        = "internal"
)

// offsetFailure is the JSON body returned when an apply does not complete.
type offsetFailure struct {
	httpStatus int

	Code        string `json:"error"`
	Message     string `json:"message"`
	OperationID string `json:"operation_id,omitempty"`
	Step        string `json:"step,omitempty"`
	Status      *int   `json:"status,omitempty"`
	CoreApplied bool   `json:"core_applied"`
}

type offsetStateResponse struct {
	gpu.ClockOffsets
	Privileged     bool `json:"privileged"`
	OffsetsEnabled bool `json:"offsets_enabled"`
}

func (s *Server) handleGPUOffset(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		snapshot := s.device.Snapshot()
		s.writeJSON(w, r, http.StatusOK, offsetStateResponse{
			ClockOffsets: gpu.ClockOffsets{
				CoreMHz:   snapshot.CoreOffsetMHz,
				MemoryMHz: snapshot.MemOffsetMHz,
			},
			Privileged:     s.device.Privileged(),
			OffsetsEnabled: s.cfg.NVML.EnableOffsets,
		})
		return
	}

	logger := s.loggerFromContext(r.Context())

	var payload api.OffsetPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOffsetBody)).Decode(&payload); err != nil {
		s.offsetOutcomes.WithLabelValues("invalid").Inc()
		s.writeJSON(w, r, http.StatusBadRequest, offsetFailure{
			Code:    codeInvalidPayload,
			Message: "body must be a JSON object with string fields core and mem",
		})
		return
	}

	result, failure := s.applyOffset(r.Context(), payload.Core, payload.Mem, logger)
	if failure != nil {
		s.writeJSON(w, r, failure.httpStatus, failure)
		return
	}
	s.writeJSON(w, r, http.StatusOK, result)
}

// applyOffset runs an offset apply and translates the outcome for HTTP and
// WebSocket clients.
func (s *Server) applyOffset(ctx context.Context, core, mem string, logger *slog.Logger) (gpu.OffsetResult, *offsetFailure) {
	if !s.cfg.NVML.EnableOffsets {
		s.offsetOutcomes.WithLabelValues("disabled").Inc()
		return gpu.OffsetResult{}, &offsetFailure{
			httpStatus: http.StatusForbidden,
			Code:       codeOffsetsDisabled,
			Message:    "clock offset writes are disabled by configuration",
		}
	}

	result, err := s.device.ApplyOffset(ctx, core, mem)
	recordOperation(ctx, result.OperationID)
	if err == nil {
		s.offsetOutcomes.WithLabelValues("applied").Inc()
		return result, nil
	}

	failure := classifyOffsetError(err)
	failure.OperationID = result.OperationID
	if failure.httpStatus >= http.StatusInternalServerError {
		logger.Error("offset apply failed", "err", err, "core_applied", failure.CoreApplied)
	} else {
		logger.Info("offset apply refused", "err", err)
	}
	s.offsetOutcomes.WithLabelValues(outcomeLabel(failure)).Inc()
	return result, failure
}

func classifyOffsetError(err error) *offsetFailure {
	failure := &offsetFailure{Message: err.Error()}

	var (
		invalid  *gpu.InvalidOffsetError
		rejected *gpu.HardwareRejectedError
		initErr  *gpu.InitializationError
	)
	switch {
	case errors.As(err, &invalid):
		failure.httpStatus = http.StatusBadRequest
		failure.Code = codeInvalidOffset
		failure.Step = invalid.Field
	case errors.Is(err, gpu.ErrPermissionDenied):
		failure.httpStatus = http.StatusForbidden
		failure.Code = codePermission
	case errors.As(err, &rejected):
		status := int(rejected.Status)
		failure.httpStatus = http.StatusBadGateway
		failure.Code = codeRejected
		failure.Step = string(rejected.Step)
		failure.Status = &status
		failure.CoreApplied = rejected.CoreApplied
	case errors.As(err, &initErr):
		failure.httpStatus = http.StatusInternalServerError
		failure.Code = codeInitialization
	default:
		failure.httpStatus = http.StatusInternalServerError
		failure.Code = codeInternal
	}
	return failure
}

func outcomeLabel(failure *offsetFailure) string {
	switch failure.Code {
	case codeInvalidOffset, codeInvalidPayload:
		return "invalid"
	case codePermission:
		return "denied"
	case codeRejected:
		return "rejected_" + failure.Step
	default:
		return "error"
	}
}
