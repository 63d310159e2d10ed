// Package mock provides a scripted STT provider for tests and local runs
// without cloud credentials. Streams simulate realistic behavior: progressive
// partial transcripts, exactly one final transcript per utterance and
// utterance boundaries. Failures can be injected per call.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"I want", "I want to", "I want to cancel"},
		Final:      "I want to cancel my subscription",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Yes", "Yes please"},
		Final:      "Yes please go ahead",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Can you", "Can you help", "Can you help me with"},
		Final:      "Can you help me with my account",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"I've been", "I've been waiting", "I've been waiting for"},
		Final:      "I've been waiting for over an hour",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.98,
	},
}

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider with scripted responses.
type Provider struct {
	label      string
	streaming  bool
	latency    time.Duration
	utterances []SimulatedUtterance
	failAfter  int
	failErr    error
	stallAfter int

	mu         sync.Mutex
	errs       []error
	next       int
	calls      int
	recognized [][]models.AudioChunk
}

// Option configures a Provider.
type Option func(*Provider)

// WithLabel sets the provider label. Defaults to "mock".
func WithLabel(label string) Option {
	return func(p *Provider) { p.label = label }
}

// WithStreaming toggles native streaming support. Defaults to true.
func WithStreaming(enabled bool) Option {
	return func(p *Provider) { p.streaming = enabled }
}

// WithLatency delays every Recognize and Stream call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithUtterances replaces DefaultUtterances.
func WithUtterances(u ...SimulatedUtterance) Option {
	return func(p *Provider) { p.utterances = u }
}

// WithErrors scripts the result of consecutive Recognize and Stream calls.
// A nil entry lets that call succeed; calls past the script succeed.
func WithErrors(errs ...error) Option {
	return func(p *Provider) { p.errs = errs }
}

// WithFailAfterFrames fails every stream with err once n frames were pushed.
func WithFailAfterFrames(n int, err error) Option {
	return func(p *Provider) {
		p.failAfter = n
		p.failErr = err
	}
}

// WithStallAfterFrames makes every stream stop producing events once n frames
// were pushed. A stalled stream never drains on Close.
func WithStallAfterFrames(n int) Option {
	return func(p *Provider) { p.stallAfter = n }
}

// New creates a new mock STT provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		label:      "mock",
		streaming:  true,
		utterances: DefaultUtterances,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Label implements stt.Provider.
func (p *Provider) Label() string { return p.label }

// Capabilities implements stt.Provider.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: p.streaming, InterimResults: p.streaming}
}

// Calls returns how many Recognize and Stream calls were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Recognized returns the frames passed to each successful Recognize call.
func (p *Provider) Recognized() [][]models.AudioChunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]models.AudioChunk(nil), p.recognized...)
}

// Recognize implements stt.Provider.
func (p *Provider) Recognize(ctx context.Context, frames []models.AudioChunk, language string) (models.RecognitionEvent, error) {
	if err := p.begin(ctx); err != nil {
		return models.RecognitionEvent{}, err
	}

	p.mu.Lock()
	p.recognized = append(p.recognized, frames)
	utt := p.nextUtterance()
	p.mu.Unlock()

	speech := &models.SpeechData{
		Text:       utt.Final,
		Confidence: utt.Confidence,
		Language:   language,
	}
	if len(frames) > 0 {
		speech.StartTime = frames[0].Timestamp
		speech.EndTime = frames[len(frames)-1].End()
	}
	return models.RecognitionEvent{Type: models.FinalTranscript, Speech: speech}, nil
}

// Stream implements stt.Provider.
func (p *Provider) Stream(ctx context.Context, language string) (stt.RecognizeStream, error) {
	if !p.streaming {
		return nil, provider.Permanent(p.label, "open stream", provider.ErrStreamingUnsupported)
	}
	if err := p.begin(ctx); err != nil {
		return nil, err
	}
	return &stream{
		p:        p,
		language: language,
		lc:       segment.NewLifecycle(),
		out:      queue.New[models.RecognitionEvent](),
	}, nil
}

// begin counts the call, waits out the configured latency and returns the
// scripted error for this call.
func (p *Provider) begin(ctx context.Context) error {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if idx < len(p.errs) {
		return p.errs[idx]
	}
	return nil
}

// nextUtterance cycles through the script. Caller holds p.mu.
func (p *Provider) nextUtterance() SimulatedUtterance {
	if len(p.utterances) == 0 {
		return SimulatedUtterance{}
	}
	utt := p.utterances[p.next%len(p.utterances)]
	p.next++
	return utt
}

// stream simulates a native streaming session. Each utterance spans
// len(Partials)+2 frames: START, one partial per frame, then FINAL and END.
type stream struct {
	p        *Provider
	language string
	lc       *segment.Lifecycle
	out      *queue.Queue[models.RecognitionEvent]

	mu         sync.Mutex
	frames     int
	inSpan     bool
	utterance  SimulatedUtterance
	partialIdx int
	spanStart  time.Duration
	lastEnd    time.Duration
}

func (s *stream) PushFrame(frame models.AudioChunk) error {
	if err := s.lc.CheckInput("PushFrame"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	if s.p.failAfter > 0 && s.frames > s.p.failAfter {
		err := s.p.failErr
		if err == nil {
			err = provider.Transient(s.p.label, "stream", io.ErrUnexpectedEOF)
		}
		if s.lc.Fail(err) {
			s.out.CloseWithError(err)
		}
		return nil
	}
	if s.p.stallAfter > 0 && s.frames > s.p.stallAfter {
		return nil
	}

	s.lastEnd = frame.End()
	switch {
	case !s.inSpan:
		s.p.mu.Lock()
		s.utterance = s.p.nextUtterance()
		s.p.mu.Unlock()
		s.inSpan = true
		s.partialIdx = 0
		s.spanStart = frame.Timestamp
		s.out.Push(models.RecognitionEvent{Type: models.StartOfSpeech})
	case s.partialIdx < len(s.utterance.Partials):
		s.out.Push(models.RecognitionEvent{
			Type:   models.InterimTranscript,
			Speech: s.speech(s.utterance.Partials[s.partialIdx], 0),
		})
		s.partialIdx++
	default:
		s.endSpan()
	}
	return nil
}

// endSpan emits the final transcript and END. Caller holds s.mu.
func (s *stream) endSpan() {
	s.out.Push(models.RecognitionEvent{
		Type:   models.FinalTranscript,
		Speech: s.speech(s.utterance.Final, s.utterance.Confidence),
	})
	s.out.Push(models.RecognitionEvent{Type: models.EndOfSpeech})
	s.inSpan = false
}

func (s *stream) speech(text string, confidence float64) *models.SpeechData {
	return &models.SpeechData{
		Text:       text,
		Confidence: confidence,
		Language:   s.language,
		StartTime:  s.spanStart,
		EndTime:    s.lastEnd,
	}
}

func (s *stream) Next(ctx context.Context) (models.RecognitionEvent, error) {
	ev, err := s.out.Next(ctx)
	if err == io.EOF {
		s.lc.Finish()
	}
	return ev, err
}

// Close ends the session. An utterance that is still open gets its final
// transcript, like a provider finalizing on end of input.
func (s *stream) Close() {
	if !s.lc.BeginClose() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p.stallAfter > 0 && s.frames > s.p.stallAfter {
		return
	}
	if s.inSpan {
		s.endSpan()
	}
	s.out.Close()
}
