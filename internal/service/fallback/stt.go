package fallback

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/service/emitter"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/stt"
)

// Label is the provider label reported by both coordinators.
const Label = "fallback"

// replayPreroll bounds the audio kept for replay while no span is open.
const replayPreroll = 2 * time.Second

// STT fails over between STT providers. It implements stt.Provider itself,
// so callers cannot tell it from a single provider.
type STT struct {
	providers []stt.Provider
	cfg       STTConfig
	emitter   *emitter.Emitter
}

// NewSTT creates a coordinator over providers in priority order.
func NewSTT(providers []stt.Provider, cfg STTConfig, em *emitter.Emitter) (*STT, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RetryInterval < 0 {
		return nil, errors.New("fallback: negative retry interval")
	}
	if em == nil {
		em = emitter.New(nil)
	}
	return &STT{
		providers: append([]stt.Provider(nil), providers...),
		cfg:       cfg,
		emitter:   em,
	}, nil
}

// Label implements stt.Provider.
func (c *STT) Label() string { return Label }

// Capabilities reports the union of the wrapped providers.
func (c *STT) Capabilities() stt.Capabilities {
	var caps stt.Capabilities
	for _, p := range c.providers {
		pc := p.Capabilities()
		caps.Streaming = caps.Streaming || pc.Streaming
		caps.InterimResults = caps.InterimResults || pc.InterimResults
	}
	return caps
}

func (c *STT) policy() policy {
	return policy{timeout: c.cfg.AttemptTimeout, retries: c.cfg.MaxRetries, interval: c.cfg.RetryInterval}
}

// Recognize transcribes frames with the first provider that succeeds.
func (c *STT) Recognize(ctx context.Context, frames []models.AudioChunk, language string) (models.RecognitionEvent, error) {
	tr := c.emitter.Start(models.KindSTT, false)
	tr.AddAudio(models.TotalDuration(frames))

	ev, _, _, err := runAttempts(ctx, tr, models.KindSTT, c.providers, 0, c.policy(), false,
		func(actx context.Context, p stt.Provider) (models.RecognitionEvent, error) {
			return p.Recognize(actx, frames, language)
		})
	tr.Finish(err)
	if err != nil {
		return models.RecognitionEvent{}, err
	}
	ev.RequestID = tr.RequestID()
	return ev, nil
}

// Stream opens a session on the first provider that accepts one. Opening
// follows the same retry policy as Recognize; the error of a failed open is
// returned directly and the request is recorded as failed.
func (c *STT) Stream(ctx context.Context, language string) (stt.RecognizeStream, error) {
	tr := c.emitter.Start(models.KindSTT, true)
	s := &sttStream{
		c:        c,
		ctx:      ctx,
		language: language,
		tr:       tr,
		lc:       segment.NewLifecycle(),
		in:       queue.New[sttCommand](),
		out:      queue.New[models.RecognitionEvent](),
		events:   make(chan sttMessage),
		watch:    watchdog{d: c.cfg.AttemptTimeout},
		log:      logging.WithRequest(tr.RequestID(), string(models.KindSTT)),
	}
	if err := s.open(0); err != nil {
		s.lc.Fail(err)
		tr.Finish(err)
		return nil, err
	}
	go s.run()
	return s, nil
}

type sttCommand struct {
	frame models.AudioChunk
	close bool
}

type sttMessage struct {
	gen uint64
	ev  models.RecognitionEvent
	err error
}

// sttSession is one provider stream plus the goroutine reading it.
type sttSession struct {
	stream stt.RecognizeStream
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type sttStream struct {
	c        *STT
	ctx      context.Context
	language string
	tr       *emitter.Tracker
	lc       *segment.Lifecycle
	mu       sync.Mutex
	in       *queue.Queue[sttCommand]
	out      *queue.Queue[models.RecognitionEvent]
	events   chan sttMessage
	log      zerolog.Logger

	// Owned by the run loop.
	idx      int
	gen      uint64
	session  *sttSession
	attempt  *attempt
	replay   []models.AudioChunk
	closing  bool
	inSpan   bool
	spanDone bool
	spanEnd  time.Duration
	watch    watchdog
}

func (s *sttStream) PushFrame(frame models.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.CheckInput("PushFrame"); err != nil {
		return err
	}
	s.in.Push(sttCommand{frame: frame})
	return nil
}

func (s *sttStream) Next(ctx context.Context) (models.RecognitionEvent, error) {
	ev, err := s.out.Next(ctx)
	if err == io.EOF {
		s.lc.Finish()
	}
	return ev, err
}

func (s *sttStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lc.BeginClose() {
		s.in.Push(sttCommand{close: true})
	}
}

// open starts a session on providers[from:], replaying the buffered frames
// under the attempt deadline.
func (s *sttStream) open(from int) error {
	sess, idx, a, err := runAttempts(s.ctx, s.tr, models.KindSTT, s.c.providers, from, s.c.policy(), true,
		func(actx context.Context, p stt.Provider) (*sttSession, error) {
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
	if s.closing {
		s.watch.arm()
	}
	s.log.Info().Str("provider", s.c.providers[idx].Label()).Int("replayed", len(s.replay)).Msg("Recognition session opened")
	return nil
}

// dial opens a provider stream that outlives actx. Only the opening and the
// replay are bound to the attempt deadline.
func (s *sttStream) dial(actx context.Context, p stt.Provider) (*sttSession, error) {
	sctx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(actx, cancel)

	stream, err := p.Stream(sctx, s.language)
	if err == nil {
		for _, f := range s.replay {
			if err = stream.PushFrame(f); err != nil {
				break
			}
		}
		if err == nil && s.closing {
			stream.Close()
		}
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
	return &sttSession{stream: stream, ctx: sctx, cancel: cancel, done: make(chan struct{})}, nil
}

func (s *sttStream) read(sess *sttSession, gen uint64) {
	defer close(sess.done)
	for {
		ev, err := sess.stream.Next(sess.ctx)
		select {
		case s.events <- sttMessage{gen: gen, ev: ev, err: err}:
		case <-sess.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// teardown closes the current session and waits for its reader.
func (s *sttStream) teardown() {
	if s.session == nil {
		return
	}
	s.session.stream.Close()
	s.session.cancel()
	<-s.session.done
	s.session = nil
}

func (s *sttStream) run() {
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
				s.deliver(msg.ev)
				s.watch.reset()
			}

		case <-s.watch.C():
			s.watch.disarm()
			err := provider.Transient(s.c.providers[s.idx].Label(), "no result within attempt timeout", context.DeadlineExceeded)
			if ferr := s.failover(err); ferr != nil {
				s.finish(ferr)
				return
			}
		}
	}
}

func (s *sttStream) handle(cmd sttCommand) error {
	if cmd.close {
		s.closing = true
		s.session.stream.Close()
		s.watch.arm()
		return nil
	}
	s.replay = append(s.replay, cmd.frame)
	if !s.inSpan {
		s.trimPreroll()
	}
	s.tr.AddAudio(cmd.frame.Duration())
	return s.session.stream.PushFrame(cmd.frame)
}

// trimReplay drops buffered frames that end at or before cut.
func (s *sttStream) trimReplay(cut time.Duration) {
	kept := s.replay[:0]
	for _, f := range s.replay {
		if f.End() > cut {
			kept = append(kept, f)
		}
	}
	clear(s.replay[len(kept):])
	s.replay = kept
}

// trimPreroll keeps at most replayPreroll of audio outside a span.
func (s *sttStream) trimPreroll() {
	var total time.Duration
	for _, f := range s.replay {
		total += f.Duration()
	}
	n := 0
	for n < len(s.replay)-1 && total-s.replay[n].Duration() >= replayPreroll {
		total -= s.replay[n].Duration()
		n++
	}
	if n > 0 {
		s.replay = append(s.replay[:0], s.replay[n:]...)
	}
}

// trimSpan drops the frames of the span that just completed. Without a
// transcript end time every frame pushed so far belongs to it.
func (s *sttStream) trimSpan(end time.Duration) {
	if end > 0 {
		s.trimReplay(end)
		return
	}
	clear(s.replay)
	s.replay = s.replay[:0]
}

// failover records the failure of the current session and moves to the next
// provider. A nil return means a new session is live.
func (s *sttStream) failover(cause error) error {
	outcome := s.attempt.end(s.ctx, cause)
	s.teardown()
	if outcome == models.OutcomeCancelled {
		return cancellation(s.ctx, cause)
	}

	// A span whose transcript was already final will not be finished by
	// the next provider.
	if s.inSpan && s.spanDone {
		s.emit(models.RecognitionEvent{Type: models.EndOfSpeech})
		s.inSpan, s.spanDone = false, false
		s.spanEnd = 0
	}

	s.log.Warn().Err(cause).Str("from", s.c.providers[s.idx].Label()).Msg("Failing over recognition session")
	err := s.open(s.idx + 1)
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) && exhausted.Last == nil {
		exhausted.Last = cause
	}
	return err
}

// deliver applies the ordering guard: at most one open span, and transcripts
// only inside one.
func (s *sttStream) deliver(ev models.RecognitionEvent) {
	switch ev.Type {
	case models.StartOfSpeech:
		if s.inSpan {
			return
		}
		s.inSpan, s.spanDone = true, false
		s.spanEnd = 0
	case models.InterimTranscript, models.FinalTranscript:
		if !s.inSpan {
			s.emit(models.RecognitionEvent{Type: models.StartOfSpeech})
			s.inSpan, s.spanDone = true, false
			s.spanEnd = 0
		}
		if ev.Speech != nil && ev.Speech.EndTime > s.spanEnd {
			s.spanEnd = ev.Speech.EndTime
		}
		if ev.Type == models.FinalTranscript {
			s.spanDone = true
			s.trimSpan(s.spanEnd)
		}
	case models.EndOfSpeech:
		if !s.inSpan {
			return
		}
		s.inSpan, s.spanDone = false, false
		s.trimSpan(s.spanEnd)
		s.spanEnd = 0
	}
	s.emit(ev)
}

func (s *sttStream) emit(ev models.RecognitionEvent) {
	ev.RequestID = s.tr.RequestID()
	s.out.Push(ev)
}

func (s *sttStream) finish(err error) {
	s.watch.disarm()
	s.teardown()
	if err == nil && s.inSpan {
		s.emit(models.RecognitionEvent{Type: models.EndOfSpeech})
		s.inSpan = false
	}
	s.tr.Finish(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lc.Fail(err)
		s.out.CloseWithError(err)
		s.log.Error().Err(err).Msg("Recognition session failed")
		return
	}
	s.out.Close()
	s.log.Info().Msg("Recognition session closed")
}
