package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ai-speech-failover-service/internal/models"
)

// Sink consumes finalized records on its own goroutine.
type Sink interface {
	Publish(ctx context.Context, rec models.MetricsRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec models.MetricsRecord) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, rec models.MetricsRecord) error {
	return f(ctx, rec)
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// sinkTimeout bounds a single sink delivery.
const sinkTimeout = 10 * time.Second

// Bus fans records out to subscribers. Each subscriber has a bounded buffer
// drained by its own goroutine, so Publish never blocks; records that do
// not fit are dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
	onDrop func(subscriber string)
}

type subscriber struct {
	name string
	sink Sink
	ch   chan models.MetricsRecord
}

// NewBus creates an empty bus. onDrop, if non-nil, is called for every
// dropped record.
func NewBus(onDrop func(subscriber string)) *Bus {
	return &Bus{onDrop: onDrop}
}

// Subscribe registers sink under name. buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(name string, sink Sink, buffer int) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{name: name, sink: sink, ch: make(chan models.MetricsRecord, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	go b.run(s)
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for rec := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.sink.Publish(ctx, rec); err != nil {
			log.Warn().
				Err(err).
				Str("subscriber", s.name).
				Str("requestId", rec.RequestID).
				Msg("Metrics sink failed")
		}
		cancel()
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(rec models.MetricsRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- rec:
		default:
			log.Warn().
				Str("subscriber", s.name).
				Str("requestId", rec.RequestID).
				Msg("Metrics subscriber full, dropping record")
			if b.onDrop != nil {
				b.onDrop(s.name)
			}
		}
	}
}

// Close stops accepting records and waits until every subscriber drained
// its buffer or ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, s := range b.subs {
			close(s.ch)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
