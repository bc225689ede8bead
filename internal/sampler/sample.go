package sampler

import (
	"time"

	"github.com/skobkin/nvtweak/internal/gpu"
)

// Sample is one published refresh result.
type Sample struct {
	Timestamp time.Time    `json:"ts"`
	Metrics   gpu.Snapshot `json:"metrics"`
	// Warnings lists fields whose query failed and kept their previous value.
	Warnings []string `json:"warnings,omitempty"`
}
