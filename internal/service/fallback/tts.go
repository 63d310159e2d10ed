package fallback

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/service/emitter"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/tts"
)

// TTS fails over between TTS providers and implements tts.Provider.
type TTS struct {
	providers []tts.Provider
	cfg       TTSConfig
	emitter   *emitter.Emitter
}

// NewTTS creates a coordinator over providers in priority order.
func NewTTS(providers []tts.Provider, cfg TTSConfig, em *emitter.Emitter) (*TTS, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if em == nil {
		em = emitter.New(nil)
	}
	return &TTS{
		providers: append([]tts.Provider(nil), providers...),
		cfg:       cfg,
		emitter:   em,
	}, nil
}

// Label implements tts.Provider.
func (c *TTS) Label() string { return Label }

// Capabilities reports streaming if any wrapped provider streams.
func (c *TTS) Capabilities() tts.Capabilities {
	for _, p := range c.providers {
		if p.Capabilities().Streaming {
			return tts.Capabilities{Streaming: true}
		}
	}
	return tts.Capabilities{}
}

func (c *TTS) policy() policy {
	return policy{timeout: c.cfg.AttemptTimeout, retries: c.cfg.MaxRetries}
}

// Synthesize renders text with the first provider that succeeds. The audio
// of an attempt is buffered until it completes, so nothing from a failed
// attempt reaches the caller.
func (c *TTS) Synthesize(ctx context.Context, text string) (tts.ChunkedStream, error) {
	tr := c.emitter.Start(models.KindTTS, false)
	tr.AddCharacters(utf8.RuneCountInString(text))

	chunks, _, _, err := runAttempts(ctx, tr, models.KindTTS, c.providers, 0, c.policy(), false,
		func(actx context.Context, p tts.Provider) ([]models.SynthesisChunk, error) {
			cs, err := p.Synthesize(actx, text)
			if err != nil {
				return nil, err
			}
			return tts.Collect(actx, cs)
		})
	if err != nil {
		tr.Finish(err)
		return nil, err
	}

	segmentID := segment.New(tr.RequestID()).Current()
	for i := range chunks {
		chunks[i].RequestID = tr.RequestID()
		chunks[i].SegmentID = segmentID
		tr.AddAudio(chunks[i].Audio.Duration())
	}
	tr.FirstChunk()
	tr.Finish(nil)
	return tts.FromChunks(chunks), nil
}

// Stream opens a synthesis session on the first provider that accepts one.
func (c *TTS) Stream(ctx context.Context) (tts.SynthesizeStream, error) {
	tr := c.emitter.Start(models.KindTTS, true)
	s := &ttsStream{
		c:      c,
		ctx:    ctx,
		tr:     tr,
		lc:     segment.NewLifecycle(),
		segs:   segment.New(tr.RequestID()),
		in:     queue.New[ttsCommand](),
		out:    queue.New[models.SynthesisChunk](),
		events: make(chan ttsMessage),
		watch:  watchdog{d: c.cfg.AttemptTimeout},
		log:    logging.WithRequest(tr.RequestID(), string(models.KindTTS)),
	}
	if err := s.open(0); err != nil {
		s.lc.Fail(err)
		tr.Finish(err)
		return nil, err
	}
	go s.run()
	return s, nil
}

type ttsCommand struct {
	text  string
	flush bool
	close bool
}

type ttsMessage struct {
	gen   uint64
	chunk models.SynthesisChunk
	err   error
}

type ttsSession struct {
	stream tts.SynthesizeStream
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// pendingSegment is a segment whose final chunk was not delivered yet.
type pendingSegment struct {
	id      string
	text    string
	emitted int // bytes of text covered by delivered delta text
	flushed bool
}

func (p *pendingSegment) remaining() string {
	return p.text[p.emitted:]
}

type ttsStream struct {
	c      *TTS
	ctx    context.Context
	tr     *emitter.Tracker
	lc     *segment.Lifecycle
	segs   *segment.Generator
	mu     sync.Mutex
	in     *queue.Queue[ttsCommand]
	out    *queue.Queue[models.SynthesisChunk]
	events chan ttsMessage
	log    zerolog.Logger

	// Owned by the run loop.
	idx     int
	gen     uint64
	session *ttsSession
	attempt *attempt
	pending []*pendingSegment
	current *pendingSegment
	closing bool
	format  models.AudioChunk
	watch   watchdog
}

func (s *ttsStream) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.CheckInput("PushText"); err != nil {
		return err
	}
	if text != "" {
		s.in.Push(ttsCommand{text: text})
	}
	return nil
}

func (s *ttsStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.CheckInput("Flush"); err != nil {
		return err
	}
	s.in.Push(ttsCommand{flush: true})
	return nil
}

func (s *ttsStream) Next(ctx context.Context) (models.SynthesisChunk, error) {
	c, err := s.out.Next(ctx)
	if err == io.EOF {
		s.lc.Finish()
	}
	return c, err
}

func (s *ttsStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lc.BeginClose() {
		s.in.Push(ttsCommand{close: true})
	}
}

func (s *ttsStream) open(from int) error {
	sess, idx, a, err := runAttempts(s.ctx, s.tr, models.KindTTS, s.c.providers, from, s.c.policy(), true,
		func(actx context.Context, p tts.Provider) (*ttsSession, error) {
			return s.dial(actx, p)
		})
	if err != nil {
		return err
	}

	s.idx = idx
	s.attempt = a
	s.gen++
	s.session = sess
	go s.read(sess, s.gen)

	s.watch.disarm()
	if s.owed() {
		s.watch.arm()
	}
	s.log.Info().Str("provider", s.c.providers[idx].Label()).Int("pending", len(s.pending)).Msg("Synthesis session opened")
	return nil
}

// dial opens a provider stream and replays the text of every pending
// segment that was not delivered yet.
func (s *ttsStream) dial(actx context.Context, p tts.Provider) (*ttsSession, error) {
	sctx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(actx, cancel)

	stream, err := p.Stream(sctx)
	if err == nil {
		err = s.replay(stream)
	}
	if !stop() && err == nil {
		err = actx.Err()
	}
	if err != nil {
		if stream != nil {
			stream.Close()
		}
		cancel()
		return nil, err
	}
	return &ttsSession{stream: stream, ctx: sctx, cancel: cancel, done: make(chan struct{})}, nil
}

func (s *ttsStream) replay(stream tts.SynthesizeStream) error {
	for _, seg := range s.pending {
		if rem := seg.remaining(); rem != "" {
			if err := stream.PushText(rem); err != nil {
				return err
			}
		}
		if seg.flushed {
			if err := stream.Flush(); err != nil {
				return err
			}
		}
	}
	if s.closing {
		stream.Close()
	}
	return nil
}

func (s *ttsStream) read(sess *ttsSession, gen uint64) {
	defer close(sess.done)
	for {
		c, err := sess.stream.Next(sess.ctx)
		select {
		case s.events <- ttsMessage{gen: gen, chunk: c, err: err}:
		case <-sess.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *ttsStream) teardown() {
	if s.session == nil {
		return
	}
	s.session.stream.Close()
	s.session.cancel()
	<-s.session.done
	s.session = nil
}

// owed reports whether the caller is waiting on output the provider has
// been asked to produce.
func (s *ttsStream) owed() bool {
	if s.closing {
		return true
	}
	for _, seg := range s.pending {
		if seg.flushed {
			return true
		}
	}
	return false
}

func (s *ttsStream) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.finish(provider.Cancelled(s.ctx))
			return

		case <-s.in.Signal():
			for {
				cmd, ok := s.in.TryPop()
				if !ok {
					break
				}
				if err := s.handle(cmd); err != nil {
					if ferr := s.failover(err); ferr != nil {
						s.finish(ferr)
						return
					}
				}
			}

		case msg := <-s.events:
			if msg.gen != s.gen {
				continue
			}
			switch {
			case msg.err == io.EOF && s.closing:
				s.attempt.end(s.ctx, nil)
				s.finish(nil)
				return
			case msg.err == io.EOF:
				msg.err = provider.Transient(s.c.providers[s.idx].Label(), "stream ended before close", io.ErrUnexpectedEOF)
				fallthrough
			case msg.err != nil:
				if ferr := s.failover(msg.err); ferr != nil {
					s.finish(ferr)
					return
				}
			default:
				s.deliver(msg.chunk)
				if s.owed() {
					s.watch.reset()
				} else {
					s.watch.disarm()
				}
			}

		case <-s.watch.C():
			s.watch.disarm()
			err := provider.Transient(s.c.providers[s.idx].Label(), "no audio within attempt timeout", context.DeadlineExceeded)
			if ferr := s.failover(err); ferr != nil {
				s.finish(ferr)
				return
			}
		}
	}
}

func (s *ttsStream) handle(cmd ttsCommand) error {
	switch {
	case cmd.close:
		s.closing = true
		if s.current != nil {
			s.current.flushed = true
			s.current = nil
		}
		s.session.stream.Close()
		s.watch.arm()
		return nil

	case cmd.flush:
		// An empty segment still consumes its id.
		if s.current == nil {
			s.segs.Next()
			return nil
		}
		s.current.flushed = true
		s.current = nil
		s.segs.Next()
		s.watch.arm()
		return s.session.stream.Flush()

	default:
		s.tr.AddCharacters(utf8.RuneCountInString(cmd.text))
		if s.current == nil {
			s.current = &pendingSegment{id: s.segs.Current()}
			s.pending = append(s.pending, s.current)
		}
		s.current.text += cmd.text
		return s.session.stream.PushText(cmd.text)
	}
}

// failover records the failure of the current session and, unless too much
// audio was already delivered, moves to the next provider.
func (s *ttsStream) failover(cause error) error {
	outcome := s.attempt.end(s.ctx, cause)
	s.teardown()
	if outcome == models.OutcomeCancelled {
		return cancellation(s.ctx, cause)
	}

	limit := s.c.cfg.NoFallbackAfter
	if emitted := s.tr.Audio(); limit > 0 && emitted >= limit {
		s.log.Warn().Err(cause).Dur("emitted", emitted).Dur("limit", limit).Msg("Not failing over after audio was emitted")
		return cause
	}

	// Flushed segments whose text was fully delivered only miss their
	// final marker, which a new provider would never produce.
	for len(s.pending) > 0 && s.pending[0].flushed && s.pending[0].remaining() == "" {
		s.deliver(models.SynthesisChunk{Audio: models.AudioChunk{SampleRate: s.format.SampleRate, Channels: s.format.Channels}, IsFinal: true})
	}

	s.log.Warn().Err(cause).Str("from", s.c.providers[s.idx].Label()).Msg("Failing over synthesis session")
	err := s.open(s.idx + 1)
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) && exhausted.Last == nil {
		exhausted.Last = cause
	}
	return err
}

// deliver attributes a provider chunk to the oldest pending segment and
// passes it on relabelled.
func (s *ttsStream) deliver(c models.SynthesisChunk) {
	if len(s.pending) == 0 {
		s.log.Debug().Str("segmentId", c.SegmentID).Msg("Dropping chunk with no pending segment")
		return
	}
	seg := s.pending[0]

	if strings.HasPrefix(seg.remaining(), c.DeltaText) {
		seg.emitted += len(c.DeltaText)
	} else {
		c.DeltaText = ""
	}
	if c.IsFinal && !seg.flushed {
		c.IsFinal = false
	}
	if c.IsFinal {
		c.DeltaText += seg.remaining()
		seg.emitted = len(seg.text)
		s.pending = s.pending[1:]
	}

	if c.Audio.SampleRate > 0 {
		s.format = c.Audio
	}
	c.RequestID = s.tr.RequestID()
	c.SegmentID = seg.id
	s.tr.FirstChunk()
	s.tr.AddAudio(c.Audio.Duration())
	s.out.Push(c)
}

func (s *ttsStream) finish(err error) {
	s.watch.disarm()
	s.teardown()
	if err == nil {
		// Close flushed everything; finalize segments the provider left open.
		for len(s.pending) > 0 {
			s.deliver(models.SynthesisChunk{Audio: models.AudioChunk{SampleRate: s.format.SampleRate, Channels: s.format.Channels}, IsFinal: true})
		}
	}
	s.tr.Finish(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lc.Fail(err)
		s.out.CloseWithError(err)
		s.log.Error().Err(err).Msg("Synthesis session failed")
		return
	}
	s.out.Close()
	s.log.Info().Msg("Synthesis session closed")
}
