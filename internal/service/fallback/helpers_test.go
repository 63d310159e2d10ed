package fallback

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/service/emitter"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/stt"
	"ai-speech-failover-service/internal/service/tts"
)

// capture collects published records.
type capture struct {
	mu   sync.Mutex
	recs []models.MetricsRecord
}

func (c *capture) Publish(rec models.MetricsRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *capture) all() []models.MetricsRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.MetricsRecord(nil), c.recs...)
}

// only asserts that exactly one record was published and returns it.
func (c *capture) only(t require.TestingT) models.MetricsRecord {
	recs := c.all()
	require.Len(t, recs, 1)
	return recs[0]
}

func newEmitter(t *testing.T) (*emitter.Emitter, *capture) {
	t.Helper()
	c := &capture{}
	return emitter.New(c, emitter.WithViolationHook(func(err error) {
		t.Errorf("invalid metrics record: %v", err)
	})), c
}

func outcomes(rec models.MetricsRecord) []models.Outcome {
	out := make([]models.Outcome, len(rec.Attempts))
	for i, a := range rec.Attempts {
		out[i] = a.Outcome
	}
	return out
}

func labels(rec models.MetricsRecord) []string {
	out := make([]string, len(rec.Attempts))
	for i, a := range rec.Attempts {
		out[i] = a.ProviderLabel
	}
	return out
}

func frame(i int) models.AudioChunk {
	return models.AudioChunk{
		Data:       make([]byte, 320),
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Duration(i) * 10 * time.Millisecond,
	}
}

func drainEvents(s stt.RecognizeStream) ([]models.RecognitionEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []models.RecognitionEvent
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func drainChunks(s tts.SynthesizeStream) ([]models.SynthesisChunk, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
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

// wellFormed checks that spans alternate and transcripts stay inside them.
func wellFormed(events []models.RecognitionEvent) error {
	inSpan := false
	for _, ev := range events {
		switch ev.Type {
		case models.StartOfSpeech:
			if inSpan {
				return errors.New("nested START_OF_SPEECH")
			}
			inSpan = true
		case models.EndOfSpeech:
			if !inSpan {
				return errors.New("END_OF_SPEECH outside a span")
			}
			inSpan = false
		default:
			if !inSpan {
				return errors.New("transcript outside a span")
			}
		}
	}
	return nil
}

// scriptedSTT fails or succeeds per call and logs every call to a shared log.
type scriptedSTT struct {
	label   string
	results []error
	log     *callLog
	calls   int
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, label)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (p *scriptedSTT) Label() string { return p.label }
func (p *scriptedSTT) Capabilities() stt.Capabilities { return stt.Capabilities{} }

func (p *scriptedSTT) Recognize(ctx context.Context, _ []models.AudioChunk, _ string) (models.RecognitionEvent, error) {
	p.log.add(p.label)
	i := p.calls
	p.calls++
	if i < len(p.results) && p.results[i] != nil {
		return models.RecognitionEvent{}, p.results[i]
	}
	return models.RecognitionEvent{
		Type:   models.FinalTranscript,
		Speech: &models.SpeechData{Text: p.label, Confidence: 1},
	}, nil
}

func (p *scriptedSTT) Stream(context.Context, string) (stt.RecognizeStream, error) {
	return nil, errors.New("not used")
}

// recordingSTT records the timestamps of the frames each of its streams
// receives.
type recordingSTT struct {
	stt.Provider

	mu     sync.Mutex
	frames [][]time.Duration
}

func (r *recordingSTT) Stream(ctx context.Context, language string) (stt.RecognizeStream, error) {
	s, err := r.Provider.Stream(ctx, language)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, nil)
	return &recordingStream{RecognizeStream: s, r: r, idx: len(r.frames) - 1}, nil
}

func (r *recordingSTT) received() [][]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]time.Duration, len(r.frames))
	for i, f := range r.frames {
		out[i] = append([]time.Duration(nil), f...)
	}
	return out
}

type recordingStream struct {
	stt.RecognizeStream
	r   *recordingSTT
	idx int
}

func (s *recordingStream) PushFrame(f models.AudioChunk) error {
	s.r.mu.Lock()
	s.r.frames[s.idx] = append(s.r.frames[s.idx], f.Timestamp)
	s.r.mu.Unlock()
	return s.RecognizeStream.PushFrame(f)
}

// cueSTT streams scripted events: cues[i] is emitted when the i-th frame of
// a stream arrives. A positive failAt fails the stream on that frame.
type cueSTT struct {
	label  string
	cues   map[int][]models.RecognitionEvent
	failAt int
}

func (p *cueSTT) Label() string { return p.label }

func (p *cueSTT) Capabilities() stt.Capabilities { return stt.Capabilities{Streaming: true} }

func (p *cueSTT) Recognize(context.Context, []models.AudioChunk, string) (models.RecognitionEvent, error) {
	return models.RecognitionEvent{}, errors.New("not used")
}

func (p *cueSTT) Stream(context.Context, string) (stt.RecognizeStream, error) {
	return &cueStream{p: p, out: queue.New[models.RecognitionEvent]()}, nil
}

type cueStream struct {
	p   *cueSTT
	out *queue.Queue[models.RecognitionEvent]

	mu sync.Mutex
	n  int
}

func (s *cueStream) PushFrame(models.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.n
	s.n++
	if s.p.failAt > 0 && i == s.p.failAt {
		s.out.CloseWithError(provider.Transient(s.p.label, "socket closed", io.ErrUnexpectedEOF))
		return nil
	}
	for _, ev := range s.p.cues[i] {
		s.out.Push(ev)
	}
	return nil
}

func (s *cueStream) Next(ctx context.Context) (models.RecognitionEvent, error) {
	return s.out.Next(ctx)
}

func (s *cueStream) Close() { s.out.Close() }

func finalAt(text string, end time.Duration) models.RecognitionEvent {
	return models.RecognitionEvent{
		Type:   models.FinalTranscript,
		Speech: &models.SpeechData{Text: text, Confidence: 1, EndTime: end},
	}
}
