// Package segment provides the session state machine shared by every
// streaming component, and segment ID generation.
package segment

import (
	"fmt"
	"sync"

	"ai-speech-failover-service/internal/service/provider"
)

// State represents the lifecycle state of a streaming session.
type State int

const (
	// StateOpen - Session accepts input.
	StateOpen State = iota
	// StateClosing - Close was requested, buffered output is draining.
	StateClosing
	// StateClosed - All output was drained. Terminal.
	StateClosed
	// StateFailed - An unrecovered error ended the session. Terminal, and
	// distinct from CLOSED so callers can tell failure from a graceful end.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal (CLOSED or FAILED).
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// Lifecycle manages the state machine for a single session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	OPEN ──Close()──→ CLOSING ──drained──→ CLOSED
//	  │                  │
//	  └──────────────────┴──unrecovered error──→ FAILED
//
// Rules:
//   - OPEN: input (push/flush) is accepted
//   - CLOSING: input is rejected, output keeps draining
//   - CLOSED / FAILED: terminal, every transition is a no-op
type Lifecycle struct {
	mu    sync.RWMutex
	state State
	err   error
	done  chan struct{}
}

// NewLifecycle creates a new session lifecycle in OPEN state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		state: StateOpen,
		done:  make(chan struct{}),
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Err returns the error that moved the session to FAILED, if any.
func (l *Lifecycle) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Done is closed once the session reaches a terminal state.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// CheckInput returns nil if op may accept input, otherwise an error
// wrapping provider.ErrInvalidState.
func (l *Lifecycle) CheckInput(op string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateOpen {
		return provider.InvalidState(op, l.state)
	}
	return nil
}

// BeginClose transitions OPEN to CLOSING.
// Returns true if the transition happened; repeated calls are no-ops.
func (l *Lifecycle) BeginClose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return false
	}
	l.state = StateClosing
	return true
}

// Finish marks the session CLOSED once all output was drained.
// Returns false if the session was already terminal.
func (l *Lifecycle) Finish() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateClosed
	close(l.done)
	return true
}

// Fail transitions the session to FAILED with err.
// Returns true if the session was failed, false if already in a terminal state.
func (l *Lifecycle) Fail(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false // Already in terminal state
	}
	l.state = StateFailed
	l.err = err
	close(l.done)
	return true
}
