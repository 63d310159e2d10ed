// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ai-speech-failover-service/internal/models"
)

const namespace = "ai_speech_failover"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Request metrics, one observation per MetricsRecord
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	AudioSeconds    *prometheus.CounterVec
	TTSTimeToFirst  prometheus.Histogram
	TTSCharacters   prometheus.Counter
	Failovers       *prometheus.CounterVec

	// Attempt metrics
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec

	// Stream metrics
	StreamsActive *prometheus.GaugeVec

	// Provider RPC metrics
	ProviderCallLatency *prometheus.HistogramVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Pipeline metrics
	RecordsDropped   *prometheus.CounterVec
	RecordViolations prometheus.Counter

	// Backpressure metrics
	SegmentLimitExceeded *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all Prometheus metrics and registers them with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Request metrics
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of logical requests by final provider and status",
		}, []string{"kind", "provider", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of logical requests across all attempts",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind", "streamed"}),
		AudioSeconds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_seconds_total",
			Help:      "Total audio consumed (stt) or produced (tts) in seconds",
		}, []string{"kind"}),
		TTSTimeToFirst: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_ttfb_seconds",
			Help:      "Time from request start to first synthesized chunk",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 1, 2},
		}),
		TTSCharacters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_characters_total",
			Help:      "Total number of characters submitted for synthesis",
		}),
		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Total number of requests served by more than one provider",
		}, []string{"kind"}),

		// Attempt metrics
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of provider attempts by outcome",
		}, []string{"kind", "provider", "outcome"}),
		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single provider attempts",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"kind", "provider"}),

		// Stream metrics
		StreamsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open streaming sessions",
		}, []string{"kind"}),

		// Provider RPC metrics
		ProviderCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_latency_seconds",
			Help:      "Latency of outbound provider RPCs",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "code"}),

		// Audio metrics
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "kind"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "kind"}),
		KafkaPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// Pipeline metrics
		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_records_dropped_total",
			Help:      "Total number of metrics records dropped by a slow subscriber",
		}, []string{"subscriber"}),
		RecordViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_record_violations_total",
			Help:      "Total number of metrics records failing validation",
		}),

		// Backpressure metrics
		SegmentLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_limit_exceeded_total",
			Help:      "Total number of times segment limits were exceeded",
		}, []string{"limit_type"}),
	}
}

// Publish records one finalized request. It never fails.
func (m *Metrics) Publish(_ context.Context, rec models.MetricsRecord) error {
	kind := string(rec.Kind)

	status := "success"
	switch {
	case rec.Cancelled:
		status = "cancelled"
	case rec.Failed():
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(kind, rec.Label, status).Inc()
	m.RequestDuration.WithLabelValues(kind, strconv.FormatBool(rec.Streamed)).Observe(rec.Duration.Seconds())
	m.AudioSeconds.WithLabelValues(kind).Add(rec.AudioDuration.Seconds())

	if rec.Kind == models.KindTTS {
		m.TTSCharacters.Add(float64(rec.CharactersCount))
		if rec.TTFB > 0 {
			m.TTSTimeToFirst.Observe(rec.TTFB.Seconds())
		}
	}

	providers := make(map[string]struct{}, len(rec.Attempts))
	for _, a := range rec.Attempts {
		providers[a.ProviderLabel] = struct{}{}
		m.AttemptsTotal.WithLabelValues(kind, a.ProviderLabel, a.Outcome.String()).Inc()
		m.AttemptDuration.WithLabelValues(kind, a.ProviderLabel).Observe(a.Duration().Seconds())
	}
	if len(providers) > 1 {
		m.Failovers.WithLabelValues(kind).Inc()
	}
	return nil
}

// RecordStreamStart records a streaming session opening.
func (m *Metrics) RecordStreamStart(kind models.Kind) {
	m.StreamsActive.WithLabelValues(string(kind)).Inc()
}

// RecordStreamEnd records a streaming session ending.
func (m *Metrics) RecordStreamEnd(kind models.Kind) {
	m.StreamsActive.WithLabelValues(string(kind)).Dec()
}

// RecordProviderCall records an outbound provider RPC.
func (m *Metrics) RecordProviderCall(method, code string, latencySeconds float64) {
	m.ProviderCallLatency.WithLabelValues(method, code).Observe(latencySeconds)
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, kind string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, kind).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, kind).Inc()
	}
}

// RecordDropped records a metrics record dropped by a subscriber.
func (m *Metrics) RecordDropped(subscriber string) {
	m.RecordsDropped.WithLabelValues(subscriber).Inc()
}

// RecordViolation records a metrics record that failed validation.
func (m *Metrics) RecordViolation() {
	m.RecordViolations.Inc()
}

// RecordLimitExceeded records when a segment limit is exceeded.
func (m *Metrics) RecordLimitExceeded(limitType string) {
	m.SegmentLimitExceeded.WithLabelValues(limitType).Inc()
}
