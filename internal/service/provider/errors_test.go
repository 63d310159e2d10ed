package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"ai-speech-failover-service/internal/models"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", Transient("a", "reset", io.ErrUnexpectedEOF), KindTransient},
		{"permanent", Permanent("a", "bad key", nil), KindPermanent},
		{"wrapped permanent", fmt.Errorf("open: %w", Permanent("a", "bad key", nil)), KindPermanent},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"unknown", errors.New("boom"), KindTransient},
		{"streaming unsupported", ErrStreamingUnsupported, KindPermanent},
		{"invalid state", InvalidState("push", testState("CLOSED")), KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type testState string

func (s testState) String() string { return string(s) }

func TestClassify(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name   string
		parent context.Context
		err    error
		want   models.Outcome
	}{
		{"success", live, nil, models.OutcomeSuccess},
		{"transient", live, Transient("a", "", io.EOF), models.OutcomeTransientError},
		{"permanent", live, Permanent("a", "", nil), models.OutcomePermanentError},
		{"parent cancelled wins", cancelled, Permanent("a", "", nil), models.OutcomeCancelled},
		{"explicit cancel", live, ErrCancelled, models.OutcomeCancelled},
		{"attempt timeout", live, context.DeadlineExceeded, models.OutcomeTransientError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.parent, tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExhaustedError_UnwrapsLast(t *testing.T) {
	last := Permanent("b", "unauthorized", nil)
	err := error(&ExhaustedError{Attempts: 3, Last: last})

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatal("expected ExhaustedError to unwrap to the last provider error")
	}
	if pe.Provider != "b" {
		t.Errorf("expected provider 'b', got %s", pe.Provider)
	}
}

func TestInvalidState_IsSentinel(t *testing.T) {
	err := InvalidState("PushFrame", testState("CLOSING"))
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected errors.Is(err, ErrInvalidState), got %v", err)
	}
}

func TestCancelled_CarriesCause(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := Cancelled(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if !IsCancelled(err) {
		t.Error("expected IsCancelled to be true")
	}
}

func TestError_Message(t *testing.T) {
	err := Transient("deepgram", "dial", errors.New("connection reset"))
	want := "transient provider error (deepgram): dial: connection reset"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
