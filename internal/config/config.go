// Package config loads service configuration from environment variables.
// Unset or unparsable values fall back to defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	TTS           TTSConfig
	VAD           VADConfig
	Tokenizer     TokenizerConfig
	SegmentLimits SegmentLimits
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the service and its listener.
type ServiceConfig struct {
	Principal string
	HTTPAddr  string
}

// FallbackConfig is the attempt policy of one coordinator.
type FallbackConfig struct {
	AttemptTimeout time.Duration
	MaxRetries     int
}

// STTConfig configures speech-to-text providers and their coordinator.
type STTConfig struct {
	// Providers lists provider names in priority order: mock, google, deepgram.
	Providers      []string
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Fallback       FallbackConfig
	RetryInterval  time.Duration
	Deepgram       DeepgramConfig
}

// DeepgramConfig holds Deepgram credentials.
type DeepgramConfig struct {
	APIKey string
	Model  string
}

// TTSConfig configures text-to-speech providers and their coordinator.
type TTSConfig struct {
	// Providers lists provider names in priority order: mock, elevenlabs.
	Providers       []string
	SampleRateHz    int
	Fallback        FallbackConfig
	NoFallbackAfter time.Duration
	ElevenLabs      ElevenLabsConfig
}

// ElevenLabsConfig holds ElevenLabs credentials and voice.
type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	ModelID string
}

// VADConfig configures the energy detector used for non-streaming STT.
type VADConfig struct {
	Threshold  float64
	MinSpeech  time.Duration
	MinSilence time.Duration
}

// TokenizerConfig configures sentence splitting for non-streaming TTS.
type TokenizerConfig struct {
	MaxRunes int
}

// SegmentLimits bounds a single speech span of a streaming session.
type SegmentLimits struct {
	MaxAudioBytes int64
	MaxDuration   time.Duration
	MaxPartials   int
}

// KafkaConfig configures the metrics publisher.
type KafkaConfig struct {
	Enabled   bool
	Brokers   []string
	TopicSTT  string
	TopicTTS  string
	Principal string
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-speech-failover")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			HTTPAddr:  envOrDefault("HTTP_ADDR", ":8080"),
		},
		STT: STTConfig{
			Providers:      envOrDefaultList("STT_PROVIDERS", []string{"mock"}),
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults: envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:  envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Fallback: FallbackConfig{
				AttemptTimeout: envOrDefaultDuration("STT_ATTEMPT_TIMEOUT", 10*time.Second),
				MaxRetries:     envOrDefaultInt("STT_MAX_RETRIES", 1),
			},
			RetryInterval: envOrDefaultDuration("STT_RETRY_INTERVAL", 5*time.Second),
			Deepgram: DeepgramConfig{
				APIKey: os.Getenv("DEEPGRAM_API_KEY"),
				Model:  envOrDefault("DEEPGRAM_MODEL", "nova-3"),
			},
		},
		TTS: TTSConfig{
			Providers:    envOrDefaultList("TTS_PROVIDERS", []string{"mock"}),
			SampleRateHz: envOrDefaultInt("TTS_SAMPLE_RATE_HZ", 24000),
			Fallback: FallbackConfig{
				AttemptTimeout: envOrDefaultDuration("TTS_ATTEMPT_TIMEOUT", 10*time.Second),
				MaxRetries:     envOrDefaultInt("TTS_MAX_RETRIES", 1),
			},
			NoFallbackAfter: envOrDefaultDuration("TTS_NO_FALLBACK_AFTER", 3*time.Second),
			ElevenLabs: ElevenLabsConfig{
				APIKey:  os.Getenv("ELEVENLABS_API_KEY"),
				VoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
				ModelID: os.Getenv("ELEVENLABS_MODEL_ID"),
			},
		},
		VAD: VADConfig{
			Threshold:  envOrDefaultFloat("VAD_THRESHOLD", 0.02),
			MinSpeech:  envOrDefaultDuration("VAD_MIN_SPEECH", 20*time.Millisecond),
			MinSilence: envOrDefaultDuration("VAD_MIN_SILENCE", 500*time.Millisecond),
		},
		Tokenizer: TokenizerConfig{
			MaxRunes: envOrDefaultInt("TOKENIZER_MAX_RUNES", 256),
		},
		SegmentLimits: SegmentLimits{
			MaxAudioBytes: int64(envOrDefaultInt("SEGMENT_MAX_AUDIO_BYTES", 5*1024*1024)),
			MaxDuration:   envOrDefaultDuration("SEGMENT_MAX_DURATION", 5*time.Minute),
			MaxPartials:   envOrDefaultInt("SEGMENT_MAX_PARTIALS", 500),
		},
		Kafka: KafkaConfig{
			Enabled:   envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:   envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicSTT:  envOrDefault("KAFKA_TOPIC_STT_METRICS", "speech.stt.metrics"),
			TopicTTS:  envOrDefault("KAFKA_TOPIC_TTS_METRICS", "speech.tts.metrics"),
			Principal: envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envOrDefaultDuration accepts Go durations ("1500ms") and plain seconds ("10").
func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(s * float64(time.Second))
	}
	return def
}

// envOrDefaultList splits a comma separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
