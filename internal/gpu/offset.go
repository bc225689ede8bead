package gpu

import (
	"strconv"
	"strings"
)

// OffsetRequest is a pair of signed VF curve offsets in MHz.
type OffsetRequest struct {
	CoreMHz   int `json:"core_mhz"`
	MemoryMHz int `json:"mem_mhz"`
}

// OffsetResult describes what an apply sequence did to the device.
type OffsetResult struct {
	OperationID   string        `json:"operation_id"`
	Request       OffsetRequest `json:"request"`
	CoreApplied   bool          `json:"core_applied"`
	MemoryApplied bool          `json:"memory_applied"`
}

// ParseOffsetRequest parses user supplied offset text. Surrounding
// whitespace and a leading '+' are accepted. Values must fit the driver's
// 32-bit offset argument; no other range checks are made.
func ParseOffsetRequest(core, mem string) (OffsetRequest, error) {
	coreMHz, err := parseOffset("core", core)
	if err != nil {
		return OffsetRequest{}, err
	}
	memMHz, err := parseOffset("memory", mem)
	if err != nil {
		return OffsetRequest{}, err
	}
	return OffsetRequest{CoreMHz: coreMHz, MemoryMHz: memMHz}, nil
}

func parseOffset(field, input string) (int, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(input), 10, 32)
	if err != nil {
		return 0, &InvalidOffsetError{Field: field, Input: input, Err: err}
	}
	return int(value), nil
}
