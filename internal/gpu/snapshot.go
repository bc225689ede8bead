package gpu

// bytesPerMiB is the divisor used for the memory readout. It is not 1<<20;
// the displayed figure has always been bytes/1,024,000 truncated.
const bytesPerMiB = 1_024_000

const milliwattsPerWatt = 1000

// Snapshot holds the telemetry captured by the most recent refresh.
// The zero value is the state before the first refresh.
type Snapshot struct {
	PowerWatts     uint32 `json:"power_w"`
	TemperatureC   uint32 `json:"temp_c"`
	MemoryFreeMiB  uint64 `json:"mem_free_mib"`
	MemoryUsedMiB  uint64 `json:"mem_used_mib"`
	MemoryTotalMiB uint64 `json:"mem_total_mib"`
	FanSpeedPct    uint32 `json:"fan_speed_pct"`
	GPUUtilPct     uint32 `json:"gpu_util_pct"`
	MemUtilPct     uint32 `json:"mem_util_pct"`

	// Indexed by ClockDomain.
	ClockMHz    [ClockDomainCount]uint32 `json:"clock_mhz"`
	MaxClockMHz [ClockDomainCount]uint32 `json:"max_clock_mhz"`

	CoreOffsetMHz int `json:"core_offset_mhz"`
	MemOffsetMHz  int `json:"mem_offset_mhz"`
}

// Clock returns the current and maximum frequency for the domain.
func (s Snapshot) Clock(domain ClockDomain) (current, max uint32) {
	if !domain.Valid() {
		return 0, 0
	}
	return s.ClockMHz[domain], s.MaxClockMHz[domain]
}

// MemoryInfo is the raw framebuffer memory report in bytes.
type MemoryInfo struct {
	Free  uint64
	Used  uint64
	Total uint64
}

// Utilization holds GPU and memory controller busy percentages.
type Utilization struct {
	GPU    uint32
	Memory uint32
}

// ClockOffsets are the currently applied VF curve offsets in MHz.
type ClockOffsets struct {
	CoreMHz   int `json:"core_mhz"`
	MemoryMHz int `json:"memory_mhz"`
}

func bytesToMiB(bytes uint64) uint64 {
	return bytes / bytesPerMiB
}

func milliwattsToWatts(mw uint32) uint32 {
	return mw / milliwattsPerWatt
}
