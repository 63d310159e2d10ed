package models

import (
	"fmt"
	"time"
)

// EventType tags a RecognitionEvent.
type EventType int

const (
	StartOfSpeech EventType = iota
	InterimTranscript
	FinalTranscript
	EndOfSpeech
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case StartOfSpeech:
		return "START_OF_SPEECH"
	case InterimTranscript:
		return "INTERIM_TRANSCRIPT"
	case FinalTranscript:
		return "FINAL_TRANSCRIPT"
	case EndOfSpeech:
		return "END_OF_SPEECH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// MarshalText lets EventType appear by name in JSON payloads.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// HasTranscript reports whether events of this type carry SpeechData.
func (t EventType) HasTranscript() bool {
	return t == InterimTranscript || t == FinalTranscript
}

// SpeechData is one recognized alternative.
type SpeechData struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"` // in [0,1]
	Language   string        `json:"language,omitempty"`
	StartTime  time.Duration `json:"startTime"`
	EndTime    time.Duration `json:"endTime"`
}

// RecognitionEvent is one element of a recognition session's event sequence.
// Speech is nil for START_OF_SPEECH and END_OF_SPEECH.
type RecognitionEvent struct {
	Type      EventType   `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Speech    *SpeechData `json:"speech,omitempty"`
}

// Text returns the transcript text, or "" for boundary events.
func (e RecognitionEvent) Text() string {
	if e.Speech == nil {
		return ""
	}
	return e.Speech.Text
}
