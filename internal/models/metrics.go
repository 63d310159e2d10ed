package models

import (
	"fmt"
	"time"
)

// Outcome is the terminal result of one provider attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransientError
	OutcomePermanentError
	OutcomeCancelled
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomePermanentError:
		return "permanent_error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// MarshalText lets Outcome appear by name in JSON payloads.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// AttemptRecord describes one bounded try against one provider.
type AttemptRecord struct {
	ProviderLabel string    `json:"providerLabel"`
	RequestID     string    `json:"requestId"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	Outcome       Outcome   `json:"outcome"`
	ErrorDetail   string    `json:"errorDetail,omitempty"`
}

// Duration returns the wall time spent in the attempt.
func (a AttemptRecord) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}

// Kind identifies the request family a MetricsRecord belongs to.
type Kind string

const (
	KindSTT Kind = "stt"
	KindTTS Kind = "tts"
)

// MetricsRecord aggregates every attempt of one logical request.
// TTFB and CharactersCount are only meaningful for KindTTS.
type MetricsRecord struct {
	Kind            Kind            `json:"kind"`
	Label           string          `json:"label"`
	RequestID       string          `json:"requestId"`
	Timestamp       time.Time       `json:"timestamp"`
	Duration        time.Duration   `json:"duration"`
	AudioDuration   time.Duration   `json:"audioDuration"`
	Streamed        bool            `json:"streamed"`
	TTFB            time.Duration   `json:"ttfb,omitempty"`
	CharactersCount int             `json:"charactersCount,omitempty"`
	Cancelled       bool            `json:"cancelled"`
	Error           string          `json:"error"`
	Attempts        []AttemptRecord `json:"attempts"`
}

// Failed reports whether the request ultimately failed.
func (r MetricsRecord) Failed() bool {
	return r.Error != ""
}
