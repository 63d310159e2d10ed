// Package segmentation synthesizes streaming sessions on top of providers
// that only implement single-shot operations: speech spans delimited by a
// voice activity detector for STT, sentence units for TTS.
package segmentation

import (
	"context"
	"io"
	"sync"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/stt"
	"ai-speech-failover-service/internal/service/vad"
)

var _ stt.Provider = (*STT)(nil)

// STT wraps a single-shot provider. Its streams emit START_OF_SPEECH when
// the detector opens a span, and FINAL_TRANSCRIPT followed by END_OF_SPEECH
// once the recognized span closes. No interim transcripts are produced.
type STT struct {
	provider stt.Provider
	detector vad.Detector
}

// NewSTT pairs p with detector d.
func NewSTT(p stt.Provider, d vad.Detector) *STT {
	return &STT{provider: p, detector: d}
}

// Label returns the wrapped provider's label.
func (a *STT) Label() string { return a.provider.Label() }

// Capabilities implements stt.Provider.
func (a *STT) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true}
}

// Recognize delegates to the wrapped provider.
func (a *STT) Recognize(ctx context.Context, frames []models.AudioChunk, language string) (models.RecognitionEvent, error) {
	return a.provider.Recognize(ctx, frames, language)
}

// Stream opens a VAD-segmented session. The session ends its background work
// when ctx is done.
func (a *STT) Stream(ctx context.Context, language string) (stt.RecognizeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &sttStream{
		provider: a.provider,
		language: language,
		vad:      a.detector.Open(),
		lc:       segment.NewLifecycle(),
		jobs:     queue.New[spanJob](),
		out:      queue.New[models.RecognitionEvent](),
	}
	go s.work(ctx)
	return s, nil
}

// spanJob is either the opening of a span or a closed span to recognize.
type spanJob struct {
	start  bool
	frames []models.AudioChunk
}

type sttStream struct {
	provider stt.Provider
	language string
	lc       *segment.Lifecycle
	jobs     *queue.Queue[spanJob]
	out      *queue.Queue[models.RecognitionEvent]

	mu     sync.Mutex
	vad    vad.Stream
	inSpan bool
	span   []models.AudioChunk
}

func (s *sttStream) PushFrame(frame models.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.CheckInput("PushFrame"); err != nil {
		return err
	}

	b, ok := s.vad.Push(frame)
	switch {
	case !s.inSpan && ok && b == vad.StartOfSpeech:
		s.inSpan = true
		s.span = []models.AudioChunk{frame}
		s.jobs.Push(spanJob{start: true})
	case s.inSpan:
		s.span = append(s.span, frame)
		if ok && b == vad.EndOfSpeech {
			s.closeSpan()
		}
	}
	return nil
}

// closeSpan hands the buffered span to the worker. Caller holds s.mu.
func (s *sttStream) closeSpan() {
	s.jobs.Push(spanJob{frames: s.span})
	s.span = nil
	s.inSpan = false
}

// work processes spans strictly in order, so the events of one span are
// never interleaved with those of the next.
func (s *sttStream) work(ctx context.Context) {
	for {
		job, err := s.jobs.Next(ctx)
		if err == io.EOF {
			s.out.Close()
			return
		}
		if err != nil {
			s.fail(err)
			return
		}

		if job.start {
			s.out.Push(models.RecognitionEvent{Type: models.StartOfSpeech})
			continue
		}

		ev, err := s.provider.Recognize(ctx, job.frames, s.language)
		if err != nil {
			s.fail(err)
			return
		}
		if ev.Text() != "" {
			ev.Type = models.FinalTranscript
			s.out.Push(ev)
		}
		s.out.Push(models.RecognitionEvent{Type: models.EndOfSpeech})
	}
}

func (s *sttStream) fail(err error) {
	if s.lc.Fail(err) {
		s.out.CloseWithError(err)
	}
	s.jobs.Close()
}

func (s *sttStream) Next(ctx context.Context) (models.RecognitionEvent, error) {
	ev, err := s.out.Next(ctx)
	if err == io.EOF {
		s.lc.Finish()
	}
	return ev, err
}

// Close ends input. A span that is still open is recognized as is.
func (s *sttStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lc.BeginClose() {
		return
	}
	if s.inSpan {
		s.closeSpan()
	}
	s.jobs.Close()
}
