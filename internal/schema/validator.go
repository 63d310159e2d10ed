// Package schema validates metrics records before they are published.
package schema

import (
	"errors"
	"fmt"

	"ai-speech-failover-service/internal/models"
)

// ErrInvalidRecord is wrapped by every validation failure.
var ErrInvalidRecord = errors.New("invalid metrics record")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks the invariants of a finalized record and returns every
// violation found, joined.
func (v *Validator) Validate(rec models.MetricsRecord) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidRecord}, args...)...))
	}

	if rec.Kind != models.KindSTT && rec.Kind != models.KindTTS {
		fail("unknown kind %q", rec.Kind)
	}
	if rec.RequestID == "" {
		fail("empty request id")
	}
	if rec.Duration < 0 {
		fail("negative duration %v", rec.Duration)
	}
	if rec.AudioDuration < 0 {
		fail("negative audio duration %v", rec.AudioDuration)
	}

	switch rec.Kind {
	case models.KindTTS:
		if rec.TTFB < 0 {
			fail("negative ttfb %v", rec.TTFB)
		}
		if rec.Streamed && rec.TTFB > rec.Duration {
			fail("ttfb %v exceeds duration %v", rec.TTFB, rec.Duration)
		}
	case models.KindSTT:
		if rec.TTFB != 0 || rec.CharactersCount != 0 {
			fail("tts-only fields set on stt record")
		}
	}

	if len(rec.Attempts) == 0 && !rec.Failed() {
		fail("successful request without attempts")
	}
	for i, a := range rec.Attempts {
		if a.RequestID != rec.RequestID {
			fail("attempt %d has request id %q, want %q", i, a.RequestID, rec.RequestID)
		}
		if a.EndTime.Before(a.StartTime) {
			fail("attempt %d ends before it starts", i)
		}
	}
	if n := len(rec.Attempts); n > 0 && rec.Attempts[n-1].ProviderLabel != rec.Label {
		fail("label %q differs from last attempt provider %q", rec.Label, rec.Attempts[n-1].ProviderLabel)
	}

	return errors.Join(errs...)
}
