// Package emitter aggregates provider attempts into exactly one metrics
// record per logical request and hands it to subscribed sinks.
package emitter

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/schema"
	"ai-speech-failover-service/internal/service/provider"
)

// Publisher receives finalized records. Publish must not block.
type Publisher interface {
	Publish(rec models.MetricsRecord)
}

// Emitter creates request trackers and publishes their records.
type Emitter struct {
	pub         Publisher
	validator   *schema.Validator
	now         func() time.Time
	onViolation func(err error)
	log         zerolog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// WithViolationHook is called for every record failing validation.
// The record is published regardless.
func WithViolationHook(fn func(err error)) Option {
	return func(e *Emitter) { e.onViolation = fn }
}

// New creates an emitter publishing to pub.
func New(pub Publisher, opts ...Option) *Emitter {
	e := &Emitter{
		pub:       pub,
		validator: schema.New(),
		now:       time.Now,
		log:       logging.WithComponent("emitter"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins tracking a new logical request with a fresh request id.
func (e *Emitter) Start(kind models.Kind, streamed bool) *Tracker {
	return &Tracker{
		e:         e,
		kind:      kind,
		streamed:  streamed,
		requestID: uuid.NewString(),
		start:     e.now(),
	}
}

// Tracker accumulates the attempts and usage of one logical request.
//
// A tracker belongs to the control loop of a single request and is not safe
// for concurrent use.
type Tracker struct {
	e         *Emitter
	kind      models.Kind
	streamed  bool
	requestID string
	start     time.Time

	attempts   []models.AttemptRecord
	audio      time.Duration
	characters int
	firstChunk time.Time

	finished bool
	record   models.MetricsRecord
}

// RequestID returns the id shared by every attempt of the request.
func (t *Tracker) RequestID() string { return t.requestID }

// StartTime returns when the request began.
func (t *Tracker) StartTime() time.Time { return t.start }

// Attempts returns the number of attempts begun so far.
func (t *Tracker) Attempts() int { return len(t.attempts) }

// Begin opens an attempt against label and returns its index.
func (t *Tracker) Begin(label string) int {
	t.attempts = append(t.attempts, models.AttemptRecord{
		ProviderLabel: label,
		RequestID:     t.requestID,
		StartTime:     t.e.now(),
	})
	return len(t.attempts) - 1
}

// End finalizes the attempt at idx. Ending an attempt twice is a no-op.
func (t *Tracker) End(idx int, outcome models.Outcome, err error) {
	if idx < 0 || idx >= len(t.attempts) || !t.attempts[idx].EndTime.IsZero() {
		return
	}
	a := &t.attempts[idx]
	a.EndTime = t.e.now()
	a.Outcome = outcome
	if err != nil {
		a.ErrorDetail = err.Error()
	}
}

// AddAudio adds audio consumed (STT) or produced (TTS) by the request.
func (t *Tracker) AddAudio(d time.Duration) {
	if d > 0 {
		t.audio += d
	}
}

// Audio returns the audio accumulated so far.
func (t *Tracker) Audio() time.Duration { return t.audio }

// AddCharacters adds submitted text length.
func (t *Tracker) AddCharacters(n int) {
	t.characters += n
}

// FirstChunk marks the delivery of the first output. Later calls are ignored.
func (t *Tracker) FirstChunk() {
	if t.firstChunk.IsZero() {
		t.firstChunk = t.e.now()
	}
}

// Finish finalizes the request and publishes its record. err is the error
// the request ultimately failed with, nil on success. Only the first call
// publishes; later calls return the same record.
func (t *Tracker) Finish(err error) models.MetricsRecord {
	if t.finished {
		return t.record
	}
	t.finished = true

	end := t.e.now()
	cancelled := err != nil && provider.IsCancelled(err)

	// Attempts still open were interrupted by the request ending.
	for i := range t.attempts {
		if !t.attempts[i].EndTime.IsZero() {
			continue
		}
		outcome := models.OutcomeTransientError
		if cancelled {
			outcome = models.OutcomeCancelled
		} else if err == nil {
			outcome = models.OutcomeSuccess
		}
		t.End(i, outcome, err)
	}

	rec := models.MetricsRecord{
		Kind:          t.kind,
		RequestID:     t.requestID,
		Timestamp:     t.start,
		Duration:      end.Sub(t.start),
		AudioDuration: t.audio,
		Streamed:      t.streamed,
		Cancelled:     cancelled,
		Attempts:      append([]models.AttemptRecord(nil), t.attempts...),
	}
	if n := len(t.attempts); n > 0 {
		rec.Label = t.attempts[n-1].ProviderLabel
	}
	if t.kind == models.KindTTS {
		rec.CharactersCount = t.characters
		if !t.firstChunk.IsZero() {
			rec.TTFB = t.firstChunk.Sub(t.start)
		}
	}
	if err != nil {
		rec.Error = err.Error()
	}
	t.record = rec

	if verr := t.e.validator.Validate(rec); verr != nil {
		t.e.log.Warn().Err(verr).Str("requestId", rec.RequestID).Msg("Metrics record failed validation")
		if t.e.onViolation != nil {
			t.e.onViolation(verr)
		}
	}
	if t.e.pub != nil {
		t.e.pub.Publish(rec)
	}
	return rec
}
