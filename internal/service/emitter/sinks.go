package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-failover-service/internal/models"
)

// LogSink writes one structured log line per record.
type LogSink struct {
	Logger zerolog.Logger
}

// Publish implements Sink.
func (s LogSink) Publish(_ context.Context, rec models.MetricsRecord) error {
	ev := s.Logger.Info()
	if rec.Failed() {
		ev = s.Logger.Warn()
	}
	ev = ev.
		Str("kind", string(rec.Kind)).
		Str("label", rec.Label).
		Str("requestId", rec.RequestID).
		Dur("duration", rec.Duration).
		Dur("audioDuration", rec.AudioDuration).
		Bool("streamed", rec.Streamed).
		Bool("cancelled", rec.Cancelled).
		Int("attempts", len(rec.Attempts))
	if rec.Kind == models.KindTTS {
		ev = ev.Dur("ttfb", rec.TTFB).Int("charactersCount", rec.CharactersCount)
	}
	if rec.Failed() {
		ev = ev.Str("error", rec.Error)
	}
	ev.Msg("Request metrics")
	return nil
}

// UsageSummary is the aggregated usage across all finalized requests.
type UsageSummary struct {
	STTRequests      int           `json:"sttRequests"`
	STTAudioDuration time.Duration `json:"sttAudioDuration"`
	TTSRequests      int           `json:"ttsRequests"`
	TTSCharacters    int           `json:"ttsCharactersCount"`
	TTSAudioDuration time.Duration `json:"ttsAudioDuration"`
	Failed           int           `json:"failed"`
	Cancelled        int           `json:"cancelled"`
	Attempts         int           `json:"attempts"`
}

// UsageCollector sums usage over every record it receives.
type UsageCollector struct {
	mu      sync.Mutex
	summary UsageSummary
}

// NewUsageCollector creates an empty collector.
func NewUsageCollector() *UsageCollector {
	return &UsageCollector{}
}

// Publish implements Sink.
func (u *UsageCollector) Publish(_ context.Context, rec models.MetricsRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch rec.Kind {
	case models.KindSTT:
		u.summary.STTRequests++
		u.summary.STTAudioDuration += rec.AudioDuration
	case models.KindTTS:
		u.summary.TTSRequests++
		u.summary.TTSCharacters += rec.CharactersCount
		u.summary.TTSAudioDuration += rec.AudioDuration
	}
	if rec.Cancelled {
		u.summary.Cancelled++
	} else if rec.Failed() {
		u.summary.Failed++
	}
	u.summary.Attempts += len(rec.Attempts)
	return nil
}

// Summary returns a snapshot of the aggregated usage.
func (u *UsageCollector) Summary() UsageSummary {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.summary
}

// LogSummary writes the current usage summary to logger.
func (u *UsageCollector) LogSummary(logger zerolog.Logger) {
	s := u.Summary()
	logger.Info().
		Int("sttRequests", s.STTRequests).
		Dur("sttAudioDuration", s.STTAudioDuration).
		Int("ttsRequests", s.TTSRequests).
		Int("ttsCharactersCount", s.TTSCharacters).
		Dur("ttsAudioDuration", s.TTSAudioDuration).
		Int("failed", s.Failed).
		Int("cancelled", s.Cancelled).
		Int("attempts", s.Attempts).
		Msg("Usage summary")
}
