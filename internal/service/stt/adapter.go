// Package stt defines the capability contract for Speech-to-Text providers.
package stt

import (
	"context"

	"ai-speech-failover-service/internal/models"
)

// Capabilities advertises what a provider supports natively.
type Capabilities struct {
	// Streaming is true when Stream opens a native streaming session.
	Streaming bool
	// InterimResults is true when streams emit INTERIM_TRANSCRIPT events.
	InterimResults bool
}

// Provider is implemented by every STT backend (Google, Deepgram, mock, etc.)
// and by the wrappers built on top of them.
type Provider interface {
	// Label identifies the provider in attempt and metrics records.
	Label() string

	// Capabilities reports native support for streaming and interim results.
	Capabilities() Capabilities

	// Recognize transcribes a complete span of audio and blocks until the
	// final result. The returned event is a FINAL_TRANSCRIPT.
	Recognize(ctx context.Context, frames []models.AudioChunk, language string) (models.RecognitionEvent, error)

	// Stream opens a streaming recognition session. Providers without
	// native streaming return provider.ErrStreamingUnsupported.
	Stream(ctx context.Context, language string) (RecognizeStream, error)
}

// RecognizeStream is one streaming recognition session.
//
// Speech times in events are on the timeline of the pushed frames'
// timestamps, not offsets into the provider's own stream.
//
// PushFrame is only legal while the session is OPEN. Next suspends until an
// event is available and returns io.EOF once the session is CLOSED and every
// event was delivered, or the error that moved it to FAILED.
type RecognizeStream interface {
	PushFrame(frame models.AudioChunk) error
	Next(ctx context.Context) (models.RecognitionEvent, error)

	// Close ends input and lets buffered events drain. Idempotent.
	Close()
}
