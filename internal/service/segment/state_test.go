package segment

import (
	"errors"
	"sync"
	"testing"

	"ai-speech-failover-service/internal/service/provider"
)

func TestLifecycle_InitialState(t *testing.T) {
	lc := NewLifecycle()

	if lc.State() != StateOpen {
		t.Errorf("expected StateOpen, got %v", lc.State())
	}
	if err := lc.CheckInput("push"); err != nil {
		t.Errorf("expected input to be accepted, got %v", err)
	}
	select {
	case <-lc.Done():
		t.Error("Done must not be closed while OPEN")
	default:
	}
}

func TestLifecycle_GracefulClose(t *testing.T) {
	lc := NewLifecycle()

	if !lc.BeginClose() {
		t.Fatal("expected OPEN -> CLOSING")
	}
	if lc.State() != StateClosing {
		t.Errorf("expected StateClosing, got %v", lc.State())
	}
	if err := lc.CheckInput("push"); !errors.Is(err, provider.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while closing, got %v", err)
	}
	if lc.BeginClose() {
		t.Error("second BeginClose should be a no-op")
	}

	if !lc.Finish() {
		t.Fatal("expected CLOSING -> CLOSED")
	}
	if lc.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", lc.State())
	}
	<-lc.Done()
}

func TestLifecycle_Fail(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*Lifecycle)
	}{
		{"from open", func(*Lifecycle) {}},
		{"from closing", func(lc *Lifecycle) { lc.BeginClose() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := NewLifecycle()
			tt.prepare(lc)
			boom := errors.New("boom")

			if !lc.Fail(boom) {
				t.Fatal("expected transition to FAILED")
			}
			if lc.State() != StateFailed {
				t.Errorf("expected StateFailed, got %v", lc.State())
			}
			if lc.Err() != boom {
				t.Errorf("expected recorded error, got %v", lc.Err())
			}
			<-lc.Done()
		})
	}
}

func TestLifecycle_TerminalStatesAreSticky(t *testing.T) {
	closed := NewLifecycle()
	closed.Finish()
	if closed.Fail(errors.New("late")) {
		t.Error("CLOSED must not become FAILED")
	}
	if closed.BeginClose() {
		t.Error("CLOSED must not become CLOSING")
	}

	failed := NewLifecycle()
	failed.Fail(errors.New("first"))
	if failed.Finish() {
		t.Error("FAILED must not become CLOSED")
	}
	if failed.Fail(errors.New("second")) {
		t.Error("second Fail should be a no-op")
	}
	if failed.Err().Error() != "first" {
		t.Errorf("expected first error to be kept, got %v", failed.Err())
	}
}

func TestLifecycle_ConcurrentTransitions(t *testing.T) {
	lc := NewLifecycle()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if lc.Finish() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			if lc.Fail(errors.New("x")) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one terminal transition, got %d", wins)
	}
	if !lc.State().IsTerminal() {
		t.Errorf("expected terminal state, got %v", lc.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOpen, "OPEN"},
		{StateClosing, "CLOSING"},
		{StateClosed, "CLOSED"},
		{StateFailed, "FAILED"},
		{State(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}
