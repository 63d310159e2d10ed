// Package events publishes finalized metrics records to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/metrics"
)

// Publisher publishes metrics records to one Kafka topic per request kind.
type Publisher struct {
	writerSTT *kafka.Writer
	writerTTS *kafka.Writer
	principal string
	topicSTT  string
	topicTTS  string
	enabled   bool
	metrics   *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers   []string
	TopicSTT  string
	TopicTTS  string
	Principal string
	Enabled   bool
	// Metrics defaults to metrics.DefaultMetrics.
	Metrics *metrics.Metrics
}

// New creates a new Kafka metrics publisher.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	// Handle nil config case
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}
	if cfg.Metrics != nil {
		m = cfg.Metrics
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal: cfg.Principal,
			topicSTT:  cfg.TopicSTT,
			topicTTS:  cfg.TopicTTS,
			enabled:   false,
			metrics:   m,
		}
	}

	// Custom dialer with longer timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicSTT", cfg.TopicSTT).
		Str("topicTTS", cfg.TopicTTS).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerSTT: newWriter(cfg.Brokers, cfg.TopicSTT, transport),
		writerTTS: newWriter(cfg.Brokers, cfg.TopicTTS, transport),
		principal: cfg.Principal,
		topicSTT:  cfg.TopicSTT,
		topicTTS:  cfg.TopicTTS,
		enabled:   true,
		metrics:   m,
	}
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Publish writes rec to the topic of its kind, keyed by request id so every
// record of a request lands on the same partition.
func (p *Publisher) Publish(ctx context.Context, rec models.MetricsRecord) error {
	writer, topic := p.writerSTT, p.topicSTT
	if rec.Kind == models.KindTTS {
		writer, topic = p.writerTTS, p.topicTTS
	}
	return p.publish(ctx, writer, topic, string(rec.Kind), rec.RequestID, rec)
}

// publish is the internal method that writes to a specific Kafka writer.
func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, kind, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing metrics record")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, kind, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, kind, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, kind, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerSTT != nil {
		if e := p.writerSTT.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing stt writer")
			err = e
		}
	}
	if p.writerTTS != nil {
		if e := p.writerTTS.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing tts writer")
			err = e
		}
	}
	return err
}
