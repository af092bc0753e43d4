package tunnel

import "time"

// State is the sealed connection-lifecycle state, rendered as a Go
// struct with a discriminant rather than an enum-with-payload (Go has
// no tagged unions); Kind selects which payload fields are meaningful,
// mirroring original_source/tunnel/types.rs's TunnelState enum.
type Kind int

const (
	Disconnected Kind = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is one point-in-time connection state. Only the fields
// relevant to Kind are populated; callers switch on Kind the way
// original_source matches on the TunnelState enum variant.
type State struct {
	Kind Kind

	Since     time.Time // Connecting, Connected
	LatencyMS uint32    // Connected

	Attempt   int    // Reconnecting
	LastError string // Reconnecting

	Error string    // Failed
	At    time.Time // Failed
}

// IsConnected reports whether the state is Connected.
func (s State) IsConnected() bool {
	return s.Kind == Connected
}

// IsHealthy reports whether the state is Connected with sub-500ms
// latency, grounded on TunnelState::is_healthy's threshold.
func (s State) IsHealthy() bool {
	return s.Kind == Connected && s.LatencyMS < 500
}

// Stats accumulates lifetime tunnel counters, grounded on
// original_source/tunnel/types.rs's TunnelStats.
type Stats struct {
	TotalBytesSent     uint64
	TotalBytesReceived uint64
	HeartbeatsSent     uint64
	HeartbeatsAcked    uint64
	RequestsSent       uint64
	RequestsSucceeded  uint64
	RequestsFailed     uint64
	Reconnections      uint32
	AvgLatencyMS       uint32
}

// SuccessRate returns RequestsSucceeded/RequestsSent, defaulting to 1.0
// when no requests have been sent yet (original_source's success_rate
// returns 1.0 rather than NaN for the zero case).
func (s Stats) SuccessRate() float64 {
	if s.RequestsSent == 0 {
		return 1.0
	}
	return float64(s.RequestsSucceeded) / float64(s.RequestsSent)
}
