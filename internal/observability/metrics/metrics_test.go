package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ai-speech-failover-service/internal/models"
)

func TestMetrics_Publish(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	rec := models.MetricsRecord{
		Kind:            models.KindTTS,
		Label:           "b",
		Duration:        2 * time.Second,
		AudioDuration:   1500 * time.Millisecond,
		Streamed:        true,
		TTFB:            300 * time.Millisecond,
		CharactersCount: 42,
		Attempts: []models.AttemptRecord{
			{ProviderLabel: "a", Outcome: models.OutcomeTransientError},
			{ProviderLabel: "b", Outcome: models.OutcomeSuccess},
		},
	}
	if err := m.Publish(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"requests", m.RequestsTotal.WithLabelValues("tts", "b", "success"), 1},
		{"audio", m.AudioSeconds.WithLabelValues("tts"), 1.5},
		{"characters", m.TTSCharacters, 42},
		{"failover", m.Failovers.WithLabelValues("tts"), 1},
		{"attempt a", m.AttemptsTotal.WithLabelValues("tts", "a", "transient_error"), 1},
		{"attempt b", m.AttemptsTotal.WithLabelValues("tts", "b", "success"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetrics_PublishStatus(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.Publish(context.Background(), models.MetricsRecord{Kind: models.KindSTT, Label: "a", Error: "boom"})
	m.Publish(context.Background(), models.MetricsRecord{Kind: models.KindSTT, Label: "a", Cancelled: true, Error: "cancelled"})

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("stt", "a", "error")); got != 1 {
		t.Errorf("expected 1 failed request, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("stt", "a", "cancelled")); got != 1 {
		t.Errorf("expected 1 cancelled request, got %v", got)
	}
	if got := testutil.ToFloat64(m.Failovers.WithLabelValues("stt")); got != 0 {
		t.Errorf("expected no failover, got %v", got)
	}
}

func TestMetrics_StreamsActive(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordStreamStart(models.KindSTT)
	m.RecordStreamStart(models.KindSTT)
	m.RecordStreamEnd(models.KindSTT)

	if got := testutil.ToFloat64(m.StreamsActive.WithLabelValues("stt")); got != 1 {
		t.Errorf("expected 1 active stream, got %v", got)
	}
}
