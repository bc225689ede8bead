package gpu

// ClockDomain identifies one of the clock domains reported per poll.
// The numeric value is the position in Snapshot.ClockMHz and Snapshot.MaxClockMHz.
type ClockDomain int

const (
	ClockGraphics ClockDomain = iota
	ClockShader
	ClockMemory
	ClockVideo
)

// ClockDomainCount is the number of polled clock domains.
const ClockDomainCount = 4

// ClockDomains lists the polled domains in snapshot order.
var ClockDomains = [ClockDomainCount]ClockDomain{ClockGraphics, ClockShader, ClockMemory, ClockVideo}

func (d ClockDomain) String() string {
	switch d {
	case ClockGraphics:
		return "graphics"
	case ClockShader:
		return "shader"
	case ClockMemory:
		return "memory"
	case ClockVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Valid reports whether d indexes a snapshot clock slot.
func (d ClockDomain) Valid() bool {
	return d >= 0 && d < ClockDomainCount
}
