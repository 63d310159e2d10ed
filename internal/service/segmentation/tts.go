package segmentation

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/tokenize"
	"ai-speech-failover-service/internal/service/tts"
)

// lookAhead is the number of units that may hold a synthesis slot: the one
// being emitted and the next one.
const lookAhead = 2

var _ tts.Provider = (*TTS)(nil)

// TTS wraps a single-shot provider. Pushed text is split into sentence units
// which are synthesized one at a time with one unit of look-ahead, and
// emitted strictly in input order.
type TTS struct {
	provider  tts.Provider
	tokenizer tokenize.SentenceTokenizer
}

// NewTTS pairs p with tokenizer tok.
func NewTTS(p tts.Provider, tok tokenize.SentenceTokenizer) *TTS {
	return &TTS{provider: p, tokenizer: tok}
}

// Label returns the wrapped provider's label.
func (a *TTS) Label() string { return a.provider.Label() }

// Capabilities implements tts.Provider.
func (a *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{Streaming: true}
}

// Synthesize delegates to the wrapped provider.
func (a *TTS) Synthesize(ctx context.Context, text string) (tts.ChunkedStream, error) {
	return a.provider.Synthesize(ctx, text)
}

// Stream opens a sentence-segmented session.
func (a *TTS) Stream(ctx context.Context) (tts.SynthesizeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	requestID := uuid.NewString()
	s := &ttsStream{
		provider:  a.provider,
		tokenizer: a.tokenizer,
		requestID: requestID,
		segments:  segment.New(requestID),
		lc:        segment.NewLifecycle(),
		sem:       semaphore.NewWeighted(lookAhead),
		dispatch:  queue.New[*unit](),
		emit:      queue.New[*unit](),
		out:       queue.New[models.SynthesisChunk](),
		cancel:    cancel,
	}
	go s.dispatchLoop(ctx)
	go s.emitLoop(ctx)
	return s, nil
}

// unit is one piece of text submitted for synthesis. An empty final unit
// only marks the end of a segment whose text was already submitted.
type unit struct {
	segmentID string
	text      string
	final     bool
	chunks    *queue.Queue[models.SynthesisChunk]
}

type ttsStream struct {
	provider  tts.Provider
	tokenizer tokenize.SentenceTokenizer
	requestID string
	lc        *segment.Lifecycle
	sem       *semaphore.Weighted
	dispatch  *queue.Queue[*unit]
	emit      *queue.Queue[*unit]
	out       *queue.Queue[models.SynthesisChunk]
	cancel    context.CancelFunc

	mu        sync.Mutex
	segments  *segment.Generator
	pending   string
	submitted int // units submitted in the open segment
}

func (s *ttsStream) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.CheckInput("PushText"); err != nil {
		return err
	}

	units, rest := s.tokenizer.Split(s.pending + text)
	s.pending = rest
	for _, u := range units {
		s.submit(u, false)
	}
	return nil
}

func (s *ttsStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.CheckInput("Flush"); err != nil {
		return err
	}
	s.endSegment()
	return nil
}

// endSegment forces out pending text and opens the next segment.
// Caller holds s.mu.
func (s *ttsStream) endSegment() {
	if s.pending != "" || s.submitted > 0 {
		s.submit(s.pending, true)
		s.pending = ""
	}
	s.segments.Next()
	s.submitted = 0
}

// submit queues text for synthesis in the open segment. Caller holds s.mu.
func (s *ttsStream) submit(text string, final bool) {
	u := &unit{
		segmentID: s.segments.Current(),
		text:      text,
		final:     final,
		chunks:    queue.New[models.SynthesisChunk](),
	}
	s.submitted++
	s.dispatch.Push(u)
	s.emit.Push(u)
}

// dispatchLoop starts synthesis in input order, never holding more than
// lookAhead slots. emitLoop releases a slot once a unit was fully emitted.
func (s *ttsStream) dispatchLoop(ctx context.Context) {
	for {
		u, err := s.dispatch.Next(ctx)
		if err != nil {
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go s.synthesize(ctx, u)
	}
}

func (s *ttsStream) synthesize(ctx context.Context, u *unit) {
	if strings.TrimSpace(u.text) == "" {
		u.chunks.Close()
		return
	}

	cs, err := s.provider.Synthesize(ctx, u.text)
	if err != nil {
		u.chunks.CloseWithError(err)
		return
	}
	defer cs.Close()
	for {
		c, err := cs.Next(ctx)
		if err == io.EOF {
			u.chunks.Close()
			return
		}
		if err != nil {
			u.chunks.CloseWithError(err)
			return
		}
		u.chunks.Push(c)
	}
}

func (s *ttsStream) emitLoop(ctx context.Context) {
	var format models.AudioChunk
	for {
		u, err := s.emit.Next(ctx)
		if err == io.EOF {
			s.out.Close()
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.emitUnit(ctx, u, &format); err != nil {
			s.fail(err)
			return
		}
		s.sem.Release(1)
	}
}

// emitUnit forwards the chunks of u, holding one chunk back so the last one
// can carry IsFinal. Delta text reported by the provider is kept while it
// follows the unit text; whatever text is left is attached to the last chunk.
func (s *ttsStream) emitUnit(ctx context.Context, u *unit, format *models.AudioChunk) error {
	rest := u.text
	var held *models.SynthesisChunk

	for {
		c, err := u.chunks.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if c.DeltaText != "" && strings.HasPrefix(rest, c.DeltaText) {
			rest = rest[len(c.DeltaText):]
		} else {
			c.DeltaText = ""
		}
		c.RequestID = s.requestID
		c.SegmentID = u.segmentID
		c.IsFinal = false
		format.SampleRate, format.Channels = c.Audio.SampleRate, c.Audio.Channels

		if held != nil {
			s.out.Push(*held)
		}
		held = &c
	}

	if held == nil {
		held = &models.SynthesisChunk{
			Audio:     models.AudioChunk{SampleRate: format.SampleRate, Channels: format.Channels},
			RequestID: s.requestID,
			SegmentID: u.segmentID,
		}
	}
	held.DeltaText += rest
	held.IsFinal = u.final
	s.out.Push(*held)
	return nil
}

func (s *ttsStream) fail(err error) {
	if s.lc.Fail(err) {
		s.out.CloseWithError(err)
	}
	s.cancel()
}

func (s *ttsStream) Next(ctx context.Context) (models.SynthesisChunk, error) {
	c, err := s.out.Next(ctx)
	if err == io.EOF {
		s.lc.Finish()
		s.cancel()
	}
	return c, err
}

// Close flushes pending text and ends input; buffered chunks keep draining.
func (s *ttsStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lc.BeginClose() {
		return
	}
	if s.pending != "" || s.submitted > 0 {
		s.submit(s.pending, true)
		s.pending = ""
	}
	s.dispatch.Close()
	s.emit.Close()
}
