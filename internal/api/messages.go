package api

import (
	"github.com/skobkin/nvtweak/internal/gpu"
	"github.com/skobkin/nvtweak/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	GPU        gpu.Info        `json:"gpu"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, info gpu.Info, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		GPU:        info,
		Features:   features,
	}
}

// StatsMessage wraps a sampler snapshot for transport.
type StatsMessage struct {
	Type string `json:"type"`
	sampler.Sample
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(sample sampler.Sample) StatsMessage {
	return StatsMessage{
		Type:   "stats",
		Sample: sample,
	}
}

// OffsetResultMessage reports the outcome of an apply_offset request.
type OffsetResultMessage struct {
	Type string `json:"type"`
	gpu.OffsetResult
}

// NewOffsetResultMessage constructs an offset_result payload.
func NewOffsetResultMessage(result gpu.OffsetResult) OffsetResultMessage {
	return OffsetResultMessage{
		Type:         "offset_result",
		OffsetResult: result,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// ApplyOffsetMessage asks the server to write clock offsets. Values are
// decimal text as typed by the user.
type ApplyOffsetMessage struct {
	Type string `json:"type"`
	Core string `json:"core"`
	Mem  string `json:"mem"`
}

// OffsetPayload is the HTTP body for POST /api/gpu/offset.
type OffsetPayload struct {
	Core string `json:"core"`
	Mem  string `json:"mem"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
