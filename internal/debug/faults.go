package debug

import (
	"fmt"
	"sync"
	"time"
)

// FaultProfile defines faults that can be injected for testing.
// All faults are one-shot: the next matching Retrieve consumes them.
type FaultProfile struct {
	mu sync.Mutex

	// Target limits the faults to one source name. Empty matches any source.
	Target string

	// FailNextRetrieve makes the next Retrieve fail as retryable (one-shot)
	FailNextRetrieve bool

	// HaltNextRetrieve makes the next Retrieve fail as fatal (one-shot)
	HaltNextRetrieve bool

	// CorruptNextDelta replaces the next delta with a decode error (one-shot)
	CorruptNextDelta bool

	// DelayNextRetrieve holds the next Retrieve before it runs (one-shot)
	DelayNextRetrieve time.Duration
}

// FaultSnapshot is a copy of the pending faults.
type FaultSnapshot struct {
	Target              string `json:"target,omitempty"`
	FailNextRetrieve    bool   `json:"fail_next_retrieve"`
	HaltNextRetrieve    bool   `json:"halt_next_retrieve"`
	CorruptNextDelta    bool   `json:"corrupt_next_delta"`
	DelayNextRetrieveMS int64  `json:"delay_next_retrieve_ms"`
}

type fault struct {
	fail, halt, corrupt bool
	delay               time.Duration
}

func (f fault) none() bool {
	return !f.fail && !f.halt && !f.corrupt && f.delay == 0
}

// NewFaultProfile returns a profile with nothing pending.
func NewFaultProfile() *FaultProfile {
	return &FaultProfile{}
}

// SetTarget limits pending and future faults to source. Empty clears it.
func (f *FaultProfile) SetTarget(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Target = source
}

// SetFailNextRetrieve enables/disables a retryable failure
func (f *FaultProfile) SetFailNextRetrieve(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailNextRetrieve = enabled
}

// SetHaltNextRetrieve enables/disables a fatal failure
func (f *FaultProfile) SetHaltNextRetrieve(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HaltNextRetrieve = enabled
}

// SetCorruptNextDelta enables/disables delta corruption
func (f *FaultProfile) SetCorruptNextDelta(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CorruptNextDelta = enabled
}

// SetDelayNextRetrieve sets the delay for the next Retrieve.
// Returns an error if d is negative.
func (f *FaultProfile) SetDelayNextRetrieve(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("delay must be non-negative, got %s", d)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DelayNextRetrieve = d
	return nil
}

// take consumes every pending fault if it applies to source.
func (f *FaultProfile) take(source string) fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Target != "" && f.Target != source {
		return fault{}
	}
	out := fault{
		fail:    f.FailNextRetrieve,
		halt:    f.HaltNextRetrieve,
		corrupt: f.CorruptNextDelta,
		delay:   f.DelayNextRetrieve,
	}
	f.FailNextRetrieve = false
	f.HaltNextRetrieve = false
	f.CorruptNextDelta = false
	f.DelayNextRetrieve = 0
	return out
}

// Reset clears all fault flags and the target
func (f *FaultProfile) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Target = ""
	f.FailNextRetrieve = false
	f.HaltNextRetrieve = false
	f.CorruptNextDelta = false
	f.DelayNextRetrieve = 0
}

// Snapshot returns a copy of the current fault state
func (f *FaultProfile) Snapshot() FaultSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FaultSnapshot{
		Target:              f.Target,
		FailNextRetrieve:    f.FailNextRetrieve,
		HaltNextRetrieve:    f.HaltNextRetrieve,
		CorruptNextDelta:    f.CorruptNextDelta,
		DelayNextRetrieveMS: f.DelayNextRetrieve.Milliseconds(),
	}
}
