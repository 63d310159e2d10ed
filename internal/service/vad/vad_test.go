package vad

import (
	"encoding/binary"
	"testing"
	"time"

	"ai-speech-failover-service/internal/models"
)

// frame builds a 20ms mono 16kHz frame of constant amplitude.
func frame(amplitude int16) models.AudioChunk {
	const samples = 320
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(amplitude))
	}
	return models.AudioChunk{Data: data, SampleRate: 16000, Channels: 1}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{"empty", nil, 0},
		{"silence", frame(0).Data, 0},
		{"full scale", frame(-32768).Data, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RMS(tt.pcm); got != tt.want {
				t.Errorf("RMS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnergy_Boundaries(t *testing.T) {
	s := Energy{Threshold: 0.1, MinSpeech: 40 * time.Millisecond, MinSilence: 60 * time.Millisecond}.Open()
	loud, quiet := frame(8000), frame(10)

	// pattern: quiet, loud, loud(start), loud, quiet, quiet, quiet(end), quiet
	steps := []struct {
		frame models.AudioChunk
		want  Boundary
	}{
		{quiet, 0},
		{loud, 0},
		{loud, StartOfSpeech},
		{loud, 0},
		{quiet, 0},
		{quiet, 0},
		{quiet, EndOfSpeech},
		{quiet, 0},
	}

	for i, step := range steps {
		got, ok := s.Push(step.frame)
		if step.want == 0 {
			if ok {
				t.Errorf("frame %d: unexpected boundary %v", i, got)
			}
			continue
		}
		if !ok || got != step.want {
			t.Errorf("frame %d: got %v (%v), want %v", i, got, ok, step.want)
		}
	}
	if s.Speaking() {
		t.Error("expected span to be closed")
	}
}

func TestEnergy_ShortNoiseIgnored(t *testing.T) {
	s := Energy{Threshold: 0.1, MinSpeech: 60 * time.Millisecond}.Open()
	loud, quiet := frame(8000), frame(0)

	for _, f := range []models.AudioChunk{loud, loud, quiet, loud, loud, quiet} {
		if b, ok := s.Push(f); ok {
			t.Fatalf("unexpected boundary %v", b)
		}
	}
}

func TestEnergy_Defaults(t *testing.T) {
	s := Energy{}.Open().(*energyStream)
	if s.threshold != DefaultThreshold || s.minSpeech != DefaultMinSpeech || s.minSilence != DefaultMinSilence {
		t.Errorf("defaults not applied: %+v", s)
	}
}
