package relay

// ConnState is the lifecycle state of one relay connection
type ConnState int

const (
	Closed ConnState = iota
	Connecting
	Open
	Closing
	// PermanentlyFailed is terminal until Pool.ResetRelay
	PermanentlyFailed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case PermanentlyFailed:
		return "permanently_failed"
	default:
		return "closed"
	}
}

// EndReason says why a subscription stopped delivering
type EndReason int

const (
	// EndOfStream means every relay sent EOSE, CLOSED, or dropped
	EndOfStream EndReason = iota
	// EndTimeout is the synthetic end-of-stream injected at the deadline
	EndTimeout
	// EndCancelled means the caller cancelled or unsubscribed
	EndCancelled
)

func (r EndReason) String() string {
	switch r {
	case EndTimeout:
		return "timeout"
	case EndCancelled:
		return "cancelled"
	default:
		return "eose"
	}
}
