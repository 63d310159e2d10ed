// Package audio provides the streaming recognition session handler that sits
// between a client connection and an STT stream.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/observability/metrics"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/stt"
)

// ErrLimitExceeded is returned once a segment outgrows its limits.
var ErrLimitExceeded = errors.New("segment limit exceeded")

// SegmentLimits defines safety guardrails for segment processing.
// A segment runs from the start of the session, or the previous
// END_OF_SPEECH, to the next END_OF_SPEECH.
type SegmentLimits struct {
	MaxAudioBytes int64         // Max audio per segment
	MaxDuration   time.Duration // Max segment wall time
	MaxPartials   int           // Max interim transcripts per segment
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() SegmentLimits {
	return SegmentLimits{
		MaxAudioBytes: 5 * 1024 * 1024, // 5MB (~160 seconds at 16kHz 16-bit mono)
		MaxDuration:   5 * time.Minute,
		MaxPartials:   500,
	}
}

// Handler manages one streaming recognition session.
// SendAudio and Next may be called from different goroutines.
type Handler struct {
	stream    stt.RecognizeStream
	sessionID string
	limits    SegmentLimits
	metrics   *metrics.Metrics
	segs      *segment.Generator
	lifecycle *segment.Lifecycle
	log       zerolog.Logger

	mu               sync.Mutex
	segmentStartTime time.Time
	audioBytes       int64
	partialCount     int
	utteranceCount   int
}

// NewHandler creates a handler with DefaultLimits.
func NewHandler(stream stt.RecognizeStream, sessionID string, m *metrics.Metrics) *Handler {
	return NewHandlerWithLimits(stream, sessionID, DefaultLimits(), m)
}

// NewHandlerWithLimits creates a handler with custom segment limits.
// m may be nil.
func NewHandlerWithLimits(stream stt.RecognizeStream, sessionID string, limits SegmentLimits, m *metrics.Metrics) *Handler {
	return &Handler{
		stream:           stream,
		sessionID:        sessionID,
		limits:           limits,
		metrics:          m,
		segs:             segment.New(sessionID),
		lifecycle:        segment.NewLifecycle(),
		log:              logging.WithRequest(sessionID, string(models.KindSTT)),
		segmentStartTime: time.Now(),
	}
}

// SendAudio forwards a frame to the stream. Exceeding a limit fails the
// session and returns an error wrapping ErrLimitExceeded.
func (h *Handler) SendAudio(frame models.AudioChunk) error {
	if err := h.lifecycle.CheckInput("SendAudio"); err != nil {
		if cause := h.lifecycle.Err(); cause != nil {
			return cause
		}
		return err
	}

	h.mu.Lock()
	h.audioBytes += int64(len(frame.Data))
	currentBytes := h.audioBytes
	elapsed := time.Since(h.segmentStartTime)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordAudioReceived(len(frame.Data))
	}

	if h.limits.MaxAudioBytes > 0 && currentBytes > h.limits.MaxAudioBytes {
		return h.exceed("max_audio_bytes",
			fmt.Sprintf("max audio bytes exceeded: %d > %d", currentBytes, h.limits.MaxAudioBytes))
	}
	if h.limits.MaxDuration > 0 && elapsed > h.limits.MaxDuration {
		return h.exceed("max_duration",
			fmt.Sprintf("max duration exceeded: %v > %v", elapsed.Round(time.Millisecond), h.limits.MaxDuration))
	}

	return h.stream.PushFrame(frame)
}

// Next returns the next recognition event. It returns io.EOF once the
// stream drained after Close, or the error that ended the session.
func (h *Handler) Next(ctx context.Context) (models.RecognitionEvent, error) {
	ev, err := h.stream.Next(ctx)
	if cause := h.lifecycle.Err(); cause != nil {
		return models.RecognitionEvent{}, cause
	}
	if err != nil {
		if err == io.EOF {
			h.lifecycle.Finish()
		} else {
			h.lifecycle.Fail(err)
		}
		return ev, err
	}

	switch ev.Type {
	case models.InterimTranscript:
		h.mu.Lock()
		h.partialCount++
		count := h.partialCount
		h.mu.Unlock()

		if h.limits.MaxPartials > 0 && count > h.limits.MaxPartials {
			return models.RecognitionEvent{}, h.exceed("max_partials",
				fmt.Sprintf("max partials exceeded: %d > %d", count, h.limits.MaxPartials))
		}
	case models.EndOfSpeech:
		h.endSegment()
	}
	return ev, nil
}

// Close ends input. Buffered events keep draining through Next.
func (h *Handler) Close() {
	if h.lifecycle.BeginClose() {
		h.stream.Close()
	}
}

// Err returns the error that failed the session, if any.
func (h *Handler) Err() error {
	return h.lifecycle.Err()
}

// State returns the session lifecycle state.
func (h *Handler) State() segment.State {
	return h.lifecycle.State()
}

// SegmentID returns the ID of the current segment.
func (h *Handler) SegmentID() string {
	return h.segs.Current()
}

// UtteranceCount returns the number of completed speech spans.
func (h *Handler) UtteranceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.utteranceCount
}

// SegmentMetrics holds current segment usage metrics.
type SegmentMetrics struct {
	AudioBytes   int64
	PartialCount int
	Duration     time.Duration
}

// GetSegmentMetrics returns current segment metrics for observability.
func (h *Handler) GetSegmentMetrics() SegmentMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SegmentMetrics{
		AudioBytes:   h.audioBytes,
		PartialCount: h.partialCount,
		Duration:     time.Since(h.segmentStartTime),
	}
}

// endSegment closes the current segment on END_OF_SPEECH and resets the
// per-segment counters.
func (h *Handler) endSegment() {
	h.mu.Lock()
	h.utteranceCount++
	count := h.utteranceCount
	old := SegmentMetrics{
		AudioBytes:   h.audioBytes,
		PartialCount: h.partialCount,
		Duration:     time.Since(h.segmentStartTime),
	}
	h.audioBytes = 0
	h.partialCount = 0
	h.segmentStartTime = time.Now()
	h.mu.Unlock()

	oldID := h.segs.Current()
	newID := h.segs.Next()

	log := logging.WithSegment(h.sessionID, oldID)
	log.Debug().
		Str("nextSegmentId", newID).
		Int("utterance", count).
		Int64("audioBytes", old.AudioBytes).
		Int("partials", old.PartialCount).
		Dur("duration", old.Duration).
		Msg("End of utterance")
}

func (h *Handler) exceed(limitType, reason string) error {
	err := fmt.Errorf("%w: %s", ErrLimitExceeded, reason)
	if !h.lifecycle.Fail(err) {
		if cause := h.lifecycle.Err(); cause != nil {
			return cause
		}
		return err
	}
	if h.metrics != nil {
		h.metrics.RecordLimitExceeded(limitType)
	}
	h.log.Warn().
		Str("segmentId", h.segs.Current()).
		Str("limit", limitType).
		Msg("Segment limit exceeded, ending session")
	return err
}
