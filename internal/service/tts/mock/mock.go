// Package mock provides a scripted TTS provider for tests and local runs.
// Audio is silence whose duration is proportional to the text length, and
// delta text is spread across the chunks of a segment.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/tts"
)

// Defaults for generated audio.
const (
	DefaultSampleRate    = 24000
	DefaultAudioPerRune  = 50 * time.Millisecond
	DefaultChunkDuration = 100 * time.Millisecond
)

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider with generated audio.
type Provider struct {
	label     string
	streaming bool
	rate      int
	perRune   time.Duration
	chunkDur  time.Duration
	latency   func(text string) time.Duration
	failAfter time.Duration
	failErr   error

	mu          sync.Mutex
	errs        []error
	calls       int
	inflight    int
	maxInflight int
	texts       []string
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

// WithSampleRate sets the output sample rate.
func WithSampleRate(hz int) Option {
	return func(p *Provider) { p.rate = hz }
}

// WithAudioPerRune sets how much audio each rune of text produces.
func WithAudioPerRune(d time.Duration) Option {
	return func(p *Provider) { p.perRune = d }
}

// WithChunkDuration sets the maximum audio duration of one chunk.
func WithChunkDuration(d time.Duration) Option {
	return func(p *Provider) { p.chunkDur = d }
}

// WithLatency delays every Synthesize and Stream call by d.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = func(string) time.Duration { return d } }
}

// WithLatencyFunc delays each Synthesize call by fn(text).
func WithLatencyFunc(fn func(text string) time.Duration) Option {
	return func(p *Provider) { p.latency = fn }
}

// WithErrors scripts the result of consecutive Synthesize and Stream calls.
// A nil entry lets that call succeed; calls past the script succeed.
func WithErrors(errs ...error) Option {
	return func(p *Provider) { p.errs = errs }
}

// WithFailAfterAudio fails a synthesis with err once d of audio was
// produced by it. For streams the audio is counted across the session.
func WithFailAfterAudio(d time.Duration, err error) Option {
	return func(p *Provider) {
		p.failAfter = d
		p.failErr = err
	}
}

// New creates a new mock TTS provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		label:     "mock",
		streaming: true,
		rate:      DefaultSampleRate,
		perRune:   DefaultAudioPerRune,
		chunkDur:  DefaultChunkDuration,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Label implements tts.Provider.
func (p *Provider) Label() string { return p.label }

// Capabilities implements tts.Provider.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{Streaming: p.streaming}
}

// Calls returns how many Synthesize and Stream calls were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// MaxInflight returns the highest number of concurrent Synthesize calls seen.
func (p *Provider) MaxInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

// Texts returns the text of every Synthesize call and every flushed stream
// segment, in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// AudioFor returns the audio duration generated for text.
func (p *Provider) AudioFor(text string) time.Duration {
	return time.Duration(len([]rune(text))) * p.perRune
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.ChunkedStream, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.inflight++
	if p.inflight > p.maxInflight {
		p.maxInflight = p.inflight
	}
	p.texts = append(p.texts, text)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	if err := p.wait(ctx, text); err != nil {
		return nil, err
	}
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}

	requestID := uuid.NewString()
	chunks := p.render(text, requestID, segment.New(requestID).Current(), 0)
	var err error
	if p.failAfter > 0 {
		chunks, err = p.truncate(chunks, 0)
	}
	if len(chunks) > 0 && err == nil {
		chunks[len(chunks)-1].IsFinal = true
	}
	return &chunkedStream{chunks: chunks, err: err}, nil
}

// Stream implements tts.Provider.
func (p *Provider) Stream(ctx context.Context) (tts.SynthesizeStream, error) {
	if !p.streaming {
		return nil, provider.Permanent(p.label, "open stream", provider.ErrStreamingUnsupported)
	}

	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if err := p.wait(ctx, ""); err != nil {
		return nil, err
	}
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}

	requestID := uuid.NewString()
	return &stream{
		p:         p,
		requestID: requestID,
		segments:  segment.New(requestID),
		lc:        segment.NewLifecycle(),
		out:       queue.New[models.SynthesisChunk](),
	}, nil
}

func (p *Provider) wait(ctx context.Context, text string) error {
	if p.latency == nil {
		return ctx.Err()
	}
	select {
	case <-time.After(p.latency(text)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// render generates the chunks for text starting at stream offset ts.
func (p *Provider) render(text, requestID, segmentID string, ts time.Duration) []models.SynthesisChunk {
	runes := []rune(text)
	total := p.AudioFor(text)
	if total <= 0 {
		return nil
	}
	n := int((total + p.chunkDur - 1) / p.chunkDur)

	chunks := make([]models.SynthesisChunk, 0, n)
	for i := 0; i < n; i++ {
		d := min(p.chunkDur, total-time.Duration(i)*p.chunkDur)
		chunks = append(chunks, models.SynthesisChunk{
			Audio: models.AudioChunk{
				Data:       make([]byte, models.BytesFor(d, p.rate, 1)),
				SampleRate: p.rate,
				Channels:   1,
				Timestamp:  ts,
			},
			RequestID: requestID,
			SegmentID: segmentID,
			DeltaText: string(runes[i*len(runes)/n : (i+1)*len(runes)/n]),
		})
		ts += d
	}
	return chunks
}

// truncate cuts chunks once emitted audio reaches the failure threshold.
func (p *Provider) truncate(chunks []models.SynthesisChunk, emitted time.Duration) ([]models.SynthesisChunk, error) {
	for i, c := range chunks {
		if emitted >= p.failAfter {
			return chunks[:i], p.failure()
		}
		emitted += c.Audio.Duration()
	}
	return chunks, nil
}

func (p *Provider) failure() error {
	if p.failErr != nil {
		return p.failErr
	}
	return provider.Transient(p.label, "synthesis interrupted", io.ErrUnexpectedEOF)
}

type chunkedStream struct {
	chunks []models.SynthesisChunk
	err    error
	pos    int
}

func (s *chunkedStream) Next(ctx context.Context) (models.SynthesisChunk, error) {
	if err := ctx.Err(); err != nil {
		return models.SynthesisChunk{}, err
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return models.SynthesisChunk{}, s.err
	}
	return models.SynthesisChunk{}, io.EOF
}

func (s *chunkedStream) Close() {}

// stream synthesizes each segment when it is flushed.
type stream struct {
	p         *Provider
	requestID string
	lc        *segment.Lifecycle
	out       *queue.Queue[models.SynthesisChunk]

	mu       sync.Mutex
	segments *segment.Generator
	pending  string
	emitted  time.Duration
}

func (s *stream) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.CheckInput("PushText"); err != nil {
		return err
	}
	s.pending += text
	return nil
}

func (s *stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.CheckInput("Flush"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// flush renders the pending text as one segment. Caller holds s.mu.
func (s *stream) flush() {
	text := s.pending
	s.pending = ""
	segID := s.segments.Current()
	s.segments.Next()
	if text == "" {
		return
	}

	s.p.mu.Lock()
	s.p.texts = append(s.p.texts, text)
	s.p.mu.Unlock()

	chunks := s.p.render(text, s.requestID, segID, s.emitted)
	for i, c := range chunks {
		if s.p.failAfter > 0 && s.emitted >= s.p.failAfter {
			err := s.p.failure()
			if s.lc.Fail(err) {
				s.out.CloseWithError(err)
			}
			return
		}
		c.IsFinal = i == len(chunks)-1
		s.emitted += c.Audio.Duration()
		s.out.Push(c)
	}
}

func (s *stream) Next(ctx context.Context) (models.SynthesisChunk, error) {
	c, err := s.out.Next(ctx)
	if err == io.EOF {
		s.lc.Finish()
	}
	return c, err
}

func (s *stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lc.BeginClose() {
		return
	}
	if s.pending != "" {
		s.flush()
	}
	s.out.Close()
}
