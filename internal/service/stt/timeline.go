package stt

import (
	"sync"
	"time"

	"ai-speech-failover-service/internal/models"
)

// Timeline maps offsets that a provider counts from the start of its stream
// onto the timestamps of the frames pushed into it.
type Timeline struct {
	mu     sync.Mutex
	origin time.Duration
	seen   bool
}

// Observe records f. Only the first frame sets the origin.
func (t *Timeline) Observe(f models.AudioChunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.seen {
		t.origin = f.Timestamp
		t.seen = true
	}
}

// At returns the frame timestamp of a stream offset.
func (t *Timeline) At(offset time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.origin + offset
}
