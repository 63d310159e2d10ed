// Package app wires the service: logging, metrics sinks, providers and the
// fallback coordinators built on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"ai-speech-failover-service/internal/config"
	"ai-speech-failover-service/internal/events"
	"ai-speech-failover-service/internal/observability"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/observability/metrics"
	"ai-speech-failover-service/internal/service/audio"
	"ai-speech-failover-service/internal/service/emitter"
	"ai-speech-failover-service/internal/service/fallback"
	"ai-speech-failover-service/internal/service/segmentation"
	"ai-speech-failover-service/internal/service/stt"
	"ai-speech-failover-service/internal/service/stt/deepgram"
	"ai-speech-failover-service/internal/service/stt/google"
	sttmock "ai-speech-failover-service/internal/service/stt/mock"
	"ai-speech-failover-service/internal/service/tokenize"
	"ai-speech-failover-service/internal/service/tts"
	"ai-speech-failover-service/internal/service/tts/elevenlabs"
	ttsmock "ai-speech-failover-service/internal/service/tts/mock"
	"ai-speech-failover-service/internal/service/vad"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics *metrics.Metrics
	Usage   *emitter.UsageCollector
	STT     *fallback.STT
	TTS     *fallback.TTS

	bus       *emitter.Bus
	publisher *events.Publisher
	closers   []io.Closer
}

// Option customizes an Application.
type Option func(*Application)

// WithMetrics replaces metrics.DefaultMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Application) { a.Metrics = m }
}

// New constructs a new Application from the provided configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
		Usage:   emitter.NewUsageCollector(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	a.publisher = events.New(&events.Config{
		Enabled:   cfg.Kafka.Enabled,
		Brokers:   cfg.Kafka.Brokers,
		TopicSTT:  cfg.Kafka.TopicSTT,
		TopicTTS:  cfg.Kafka.TopicTTS,
		Principal: cfg.Kafka.Principal,
		Metrics:   a.Metrics,
	})

	a.bus = emitter.NewBus(a.Metrics.RecordDropped)
	a.bus.Subscribe("prometheus", a.Metrics, 0)
	a.bus.Subscribe("kafka", a.publisher, 0)
	a.bus.Subscribe("log", emitter.LogSink{Logger: logging.WithComponent("metrics")}, 0)
	a.bus.Subscribe("usage", a.Usage, 0)

	em := emitter.New(a.bus, emitter.WithViolationHook(func(error) {
		a.Metrics.RecordViolation()
	}))

	sttProviders, err := a.sttProviders(ctx)
	if err != nil {
		a.abort()
		return nil, err
	}
	a.STT, err = fallback.NewSTT(sttProviders, fallback.STTConfig{
		Config: fallback.Config{
			AttemptTimeout: cfg.STT.Fallback.AttemptTimeout,
			MaxRetries:     cfg.STT.Fallback.MaxRetries,
		},
		RetryInterval: cfg.STT.RetryInterval,
	}, em)
	if err != nil {
		a.abort()
		return nil, fmt.Errorf("stt coordinator: %w", err)
	}

	ttsProviders, err := a.ttsProviders()
	if err != nil {
		a.abort()
		return nil, err
	}
	a.TTS, err = fallback.NewTTS(ttsProviders, fallback.TTSConfig{
		Config: fallback.Config{
			AttemptTimeout: cfg.TTS.Fallback.AttemptTimeout,
			MaxRetries:     cfg.TTS.Fallback.MaxRetries,
		},
		NoFallbackAfter: cfg.TTS.NoFallbackAfter,
	}, em)
	if err != nil {
		a.abort()
		return nil, fmt.Errorf("tts coordinator: %w", err)
	}

	appLogger.Info().
		Strs("sttProviders", cfg.STT.Providers).
		Strs("ttsProviders", cfg.TTS.Providers).
		Msg("AI Speech Failover service application created")
	return a, nil
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     a.Cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	a.Logger = logging.WithComponent("application").With().
		Str("service", "ai-speech-failover-service").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", a.Cfg.Observability.LogFormat).
		Msg("Logger setup completed")
}

// sttProviders builds the STT chain in configured order. Providers without
// native streaming are segmented by the energy detector.
func (a *Application) sttProviders(ctx context.Context) ([]stt.Provider, error) {
	cfg := a.Cfg.STT
	detector := vad.Energy{
		Threshold:  a.Cfg.VAD.Threshold,
		MinSpeech:  a.Cfg.VAD.MinSpeech,
		MinSilence: a.Cfg.VAD.MinSilence,
	}

	var out []stt.Provider
	for _, name := range cfg.Providers {
		var p stt.Provider
		switch name {
		case "mock":
			p = sttmock.New()
		case "mock-batch":
			p = sttmock.New(sttmock.WithLabel(name), sttmock.WithStreaming(false))
		case google.Label:
			g, err := google.New(ctx, google.Config{
				LanguageCode:   cfg.LanguageCode,
				SampleRateHz:   cfg.SampleRateHz,
				InterimResults: cfg.InterimResults,
				AudioEncoding:  cfg.AudioEncoding,
			},
				option.WithGRPCDialOption(grpc.WithChainUnaryInterceptor(observability.UnaryClientInterceptor(a.Metrics))),
				option.WithGRPCDialOption(grpc.WithChainStreamInterceptor(observability.StreamClientInterceptor(a.Metrics))),
			)
			if err != nil {
				return nil, fmt.Errorf("stt provider %q: %w", name, err)
			}
			a.closers = append(a.closers, g)
			p = g
		case deepgram.Label:
			dc := deepgram.DefaultConfig()
			dc.APIKey = cfg.Deepgram.APIKey
			dc.Model = cfg.Deepgram.Model
			dc.Language = cfg.LanguageCode
			dc.SampleRate = cfg.SampleRateHz
			dc.InterimResults = cfg.InterimResults
			p = deepgram.New(dc)
		default:
			return nil, fmt.Errorf("unknown stt provider %q", name)
		}

		if !p.Capabilities().Streaming {
			p = segmentation.NewSTT(p, detector)
		}
		out = append(out, p)
	}
	return out, nil
}

// ttsProviders builds the TTS chain in configured order. Providers without
// native streaming are segmented by the sentence tokenizer.
func (a *Application) ttsProviders() ([]tts.Provider, error) {
	cfg := a.Cfg.TTS
	tok := tokenize.Basic{MaxRunes: a.Cfg.Tokenizer.MaxRunes}

	var out []tts.Provider
	for _, name := range cfg.Providers {
		var p tts.Provider
		switch name {
		case "mock":
			p = ttsmock.New(ttsmock.WithSampleRate(cfg.SampleRateHz))
		case "mock-batch":
			p = ttsmock.New(ttsmock.WithLabel(name), ttsmock.WithStreaming(false), ttsmock.WithSampleRate(cfg.SampleRateHz))
		case elevenlabs.Label:
			p = elevenlabs.New(elevenlabs.Config{
				APIKey:     cfg.ElevenLabs.APIKey,
				VoiceID:    cfg.ElevenLabs.VoiceID,
				ModelID:    cfg.ElevenLabs.ModelID,
				SampleRate: cfg.SampleRateHz,
			})
		default:
			return nil, fmt.Errorf("unknown tts provider %q", name)
		}

		if !p.Capabilities().Streaming {
			p = segmentation.NewTTS(p, tok)
		}
		out = append(out, p)
	}
	return out, nil
}

// SegmentLimits returns the per-segment limits of streaming sessions.
func (a *Application) SegmentLimits() audio.SegmentLimits {
	l := a.Cfg.SegmentLimits
	return audio.SegmentLimits{
		MaxAudioBytes: l.MaxAudioBytes,
		MaxDuration:   l.MaxDuration,
		MaxPartials:   l.MaxPartials,
	}
}

// Ready reports whether both coordinators are available.
func (a *Application) Ready() bool {
	return a.STT != nil && a.TTS != nil
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("AI Speech Failover service starting")

	return nil
}

// Shutdown drains the metrics sinks, closes provider clients and logs the
// usage summary.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("AI Speech Failover service shutting down")

	var errs []error
	if err := a.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain metrics bus: %w", err))
	}
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka publisher: %w", err))
	}
	if err := a.closeProviders(); err != nil {
		errs = append(errs, err)
	}

	a.Usage.LogSummary(shutdownLogger)
	return errors.Join(errs...)
}

// abort releases what a failed New already started.
func (a *Application) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.bus.Close(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to drain metrics bus")
	}
	if err := a.publisher.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close kafka publisher")
	}
	if err := a.closeProviders(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close providers")
	}
}

func (a *Application) closeProviders() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider: %w", err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
