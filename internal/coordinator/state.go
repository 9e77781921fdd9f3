package coordinator

import (
	"time"

	"github.com/sufield/pkiwatch/internal/ports"
)

// State is the position of a source in its watch loop.
//
//	Idle -> Retrieving -> Merging -> Idle
//	Retrieving -> FailedRetryable -> (backoff) -> Retrieving
//	Retrieving -> FailedFatal (terminal)
//	any -> Stopped on cancellation
type State int

const (
	StateIdle State = iota
	StateRetrieving
	StateMerging
	StateFailedRetryable
	StateFailedFatal
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrieving:
		return "retrieving"
	case StateMerging:
		return "merging"
	case StateFailedRetryable:
		return "failed_retryable"
	case StateFailedFatal:
		return "failed_fatal"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SourceStatus is a point-in-time report on one source.
type SourceStatus struct {
	Name      string
	Kind      ports.SourceKind
	State     State
	LastError string
	LastMerge time.Time
	Merges    uint64
	Failures  uint64
}

// Ready reports whether the source has merged at least once and is not halted.
func (s SourceStatus) Ready() bool {
	return s.Merges > 0 && s.State != StateFailedFatal
}
