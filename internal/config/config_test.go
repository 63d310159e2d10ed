package config

import (
	"reflect"
	"testing"
	"time"
)

var allKeys = []string{
	"SERVICE_PRINCIPAL", "HTTP_ADDR", "LOG_LEVEL", "LOG_FORMAT",
	"STT_PROVIDERS", "STT_LANGUAGE_CODE", "STT_SAMPLE_RATE_HZ", "STT_INTERIM_RESULTS",
	"STT_AUDIO_ENCODING", "STT_ATTEMPT_TIMEOUT", "STT_MAX_RETRIES", "STT_RETRY_INTERVAL",
	"TTS_PROVIDERS", "TTS_ATTEMPT_TIMEOUT", "TTS_MAX_RETRIES", "TTS_NO_FALLBACK_AFTER",
	"SEGMENT_MAX_AUDIO_BYTES", "SEGMENT_MAX_DURATION", "SEGMENT_MAX_PARTIALS",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_PRINCIPAL", "VAD_THRESHOLD",
}

func clearEnv(t *testing.T) {
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-speech-failover" {
		t.Errorf("expected default principal 'svc-speech-failover', got %s", cfg.Service.Principal)
	}
	if cfg.Service.HTTPAddr != ":8080" {
		t.Errorf("expected default addr ':8080', got %s", cfg.Service.HTTPAddr)
	}

	// Coordinator defaults
	if !reflect.DeepEqual(cfg.STT.Providers, []string{"mock"}) {
		t.Errorf("expected default STT providers [mock], got %v", cfg.STT.Providers)
	}
	if cfg.STT.Fallback.AttemptTimeout != 10*time.Second {
		t.Errorf("expected default attempt timeout 10s, got %v", cfg.STT.Fallback.AttemptTimeout)
	}
	if cfg.STT.Fallback.MaxRetries != 1 {
		t.Errorf("expected default max retries 1, got %d", cfg.STT.Fallback.MaxRetries)
	}
	if cfg.STT.RetryInterval != 5*time.Second {
		t.Errorf("expected default retry interval 5s, got %v", cfg.STT.RetryInterval)
	}
	if cfg.TTS.NoFallbackAfter != 3*time.Second {
		t.Errorf("expected default no-fallback-after 3s, got %v", cfg.TTS.NoFallbackAfter)
	}
	if cfg.STT.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.STT.LanguageCode)
	}
	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results true, got %v", cfg.STT.InterimResults)
	}

	// Segment limits defaults
	if cfg.SegmentLimits.MaxAudioBytes != 5*1024*1024 {
		t.Errorf("expected default max audio bytes 5MB, got %d", cfg.SegmentLimits.MaxAudioBytes)
	}
	if cfg.SegmentLimits.MaxDuration != 5*time.Minute {
		t.Errorf("expected default max duration 5m, got %v", cfg.SegmentLimits.MaxDuration)
	}
	if cfg.SegmentLimits.MaxPartials != 500 {
		t.Errorf("expected default max partials 500, got %d", cfg.SegmentLimits.MaxPartials)
	}

	if cfg.Kafka.Enabled {
		t.Error("expected Kafka disabled by default")
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STT_PROVIDERS", "google, deepgram,,mock")
	t.Setenv("STT_ATTEMPT_TIMEOUT", "1500ms")
	t.Setenv("STT_MAX_RETRIES", "3")
	t.Setenv("STT_RETRY_INTERVAL", "2")
	t.Setenv("TTS_PROVIDERS", "elevenlabs,mock")
	t.Setenv("TTS_NO_FALLBACK_AFTER", "4.5")
	t.Setenv("SEGMENT_MAX_DURATION", "10m")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("VAD_THRESHOLD", "0.05")

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" || cfg.Service.HTTPAddr != ":9999" {
		t.Errorf("unexpected service config %+v", cfg.Service)
	}
	if !reflect.DeepEqual(cfg.STT.Providers, []string{"google", "deepgram", "mock"}) {
		t.Errorf("unexpected STT providers %v", cfg.STT.Providers)
	}
	if cfg.STT.Fallback.AttemptTimeout != 1500*time.Millisecond {
		t.Errorf("expected attempt timeout 1.5s, got %v", cfg.STT.Fallback.AttemptTimeout)
	}
	if cfg.STT.Fallback.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.STT.Fallback.MaxRetries)
	}
	if cfg.STT.RetryInterval != 2*time.Second {
		t.Errorf("expected plain seconds to parse, got %v", cfg.STT.RetryInterval)
	}
	if !reflect.DeepEqual(cfg.TTS.Providers, []string{"elevenlabs", "mock"}) {
		t.Errorf("unexpected TTS providers %v", cfg.TTS.Providers)
	}
	if cfg.TTS.NoFallbackAfter != 4500*time.Millisecond {
		t.Errorf("expected 4.5s, got %v", cfg.TTS.NoFallbackAfter)
	}
	if cfg.SegmentLimits.MaxDuration != 10*time.Minute {
		t.Errorf("expected max duration 10m, got %v", cfg.SegmentLimits.MaxDuration)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("unexpected kafka config %+v", cfg.Kafka)
	}
	if cfg.VAD.Threshold != 0.05 {
		t.Errorf("expected VAD threshold 0.05, got %v", cfg.VAD.Threshold)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	t.Setenv("STT_INTERIM_RESULTS", "invalid")
	t.Setenv("STT_ATTEMPT_TIMEOUT", "soon")
	t.Setenv("SEGMENT_MAX_AUDIO_BYTES", "invalid")
	t.Setenv("SEGMENT_MAX_PARTIALS", "invalid")
	t.Setenv("STT_PROVIDERS", " , ")

	cfg := Load()

	// Should fall back to defaults on parse errors
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results on invalid input, got %v", cfg.STT.InterimResults)
	}
	if cfg.STT.Fallback.AttemptTimeout != 10*time.Second {
		t.Errorf("expected default timeout on invalid input, got %v", cfg.STT.Fallback.AttemptTimeout)
	}
	if cfg.SegmentLimits.MaxAudioBytes != 5*1024*1024 {
		t.Errorf("expected default max audio bytes on invalid input, got %d", cfg.SegmentLimits.MaxAudioBytes)
	}
	if cfg.SegmentLimits.MaxPartials != 500 {
		t.Errorf("expected default max partials on invalid input, got %d", cfg.SegmentLimits.MaxPartials)
	}
	if !reflect.DeepEqual(cfg.STT.Providers, []string{"mock"}) {
		t.Errorf("expected default providers for empty list, got %v", cfg.STT.Providers)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_PRINCIPAL", "my-service")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BOOL_VAR", tt.envValue)

			got := envOrDefaultBool("TEST_BOOL_VAR", tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}
