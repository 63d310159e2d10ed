// Package tts defines the capability contract for Text-to-Speech providers.
package tts

import (
	"context"
	"io"

	"ai-speech-failover-service/internal/models"
)

// Capabilities advertises what a provider supports natively.
type Capabilities struct {
	Streaming bool
}

// Provider is implemented by every TTS backend.
type Provider interface {
	Label() string
	Capabilities() Capabilities

	// Synthesize converts text in one shot. The returned stream yields the
	// audio of a single segment, the last chunk carrying IsFinal.
	Synthesize(ctx context.Context, text string) (ChunkedStream, error)

	// Stream opens an incremental synthesis session. Providers without
	// native streaming return provider.ErrStreamingUnsupported.
	Stream(ctx context.Context) (SynthesizeStream, error)
}

// ChunkedStream is the result of a single-shot synthesis.
// Next returns io.EOF after the last chunk.
type ChunkedStream interface {
	Next(ctx context.Context) (models.SynthesisChunk, error)
	Close()
}

// SynthesizeStream is one streaming synthesis session.
//
// PushText and Flush are only legal while the session is OPEN. Flush closes
// the current segment and opens a new one. Close flushes pending text and
// lets buffered chunks drain; Next then returns io.EOF.
type SynthesizeStream interface {
	PushText(text string) error
	Flush() error
	Next(ctx context.Context) (models.SynthesisChunk, error)
	Close()
}

// Collect drains s and returns every chunk it produced.
func Collect(ctx context.Context, s ChunkedStream) ([]models.SynthesisChunk, error) {
	defer s.Close()
	var chunks []models.SynthesisChunk
	for {
		c, err := s.Next(ctx)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

// sliceStream is a ChunkedStream over chunks already in memory.
type sliceStream struct {
	chunks []models.SynthesisChunk
	pos    int
}

// FromChunks returns a ChunkedStream that replays chunks in order.
func FromChunks(chunks []models.SynthesisChunk) ChunkedStream {
	return &sliceStream{chunks: chunks}
}

func (s *sliceStream) Next(ctx context.Context) (models.SynthesisChunk, error) {
	if err := ctx.Err(); err != nil {
		return models.SynthesisChunk{}, err
	}
	if s.pos >= len(s.chunks) {
		return models.SynthesisChunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() {
	s.pos = len(s.chunks)
}
