// Package vad detects speech boundaries in a stream of PCM frames.
package vad

import (
	"encoding/binary"
	"math"
	"time"

	"ai-speech-failover-service/internal/models"
)

// Boundary is a voice activity notification.
type Boundary int

const (
	// StartOfSpeech applies to the frame it is reported for; that frame is
	// the first one of the speech span.
	StartOfSpeech Boundary = iota + 1
	// EndOfSpeech applies to the frame it is reported for; that frame is
	// the last one of the speech span.
	EndOfSpeech
)

// String returns the string representation of the boundary.
func (b Boundary) String() string {
	switch b {
	case StartOfSpeech:
		return "START_OF_SPEECH"
	case EndOfSpeech:
		return "END_OF_SPEECH"
	default:
		return "NONE"
	}
}

// Detector opens independent detection streams, one per session.
type Detector interface {
	Open() Stream
}

// Stream consumes frames in order and reports at most one boundary per frame.
type Stream interface {
	Push(frame models.AudioChunk) (Boundary, bool)
	// Speaking reports whether a speech span is open.
	Speaking() bool
}

// Default detector parameters.
const (
	DefaultThreshold  = 0.02
	DefaultMinSpeech  = 20 * time.Millisecond
	DefaultMinSilence = 500 * time.Millisecond
)

// Energy is an RMS energy detector over 16-bit PCM.
type Energy struct {
	// Threshold is the normalized RMS level in (0,1] above which a frame is voiced.
	Threshold float64
	// MinSpeech is how much continuous voiced audio opens a span.
	MinSpeech time.Duration
	// MinSilence is how much continuous unvoiced audio closes a span.
	MinSilence time.Duration
}

// Open implements Detector.
func (e Energy) Open() Stream {
	s := &energyStream{
		threshold:  e.Threshold,
		minSpeech:  e.MinSpeech,
		minSilence: e.MinSilence,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.minSpeech <= 0 {
		s.minSpeech = DefaultMinSpeech
	}
	if s.minSilence <= 0 {
		s.minSilence = DefaultMinSilence
	}
	return s
}

type energyStream struct {
	threshold  float64
	minSpeech  time.Duration
	minSilence time.Duration

	speaking bool
	voiced   time.Duration
	silence  time.Duration
}

func (s *energyStream) Speaking() bool {
	return s.speaking
}

func (s *energyStream) Push(frame models.AudioChunk) (Boundary, bool) {
	d := frame.Duration()
	loud := RMS(frame.Data) >= s.threshold

	if !s.speaking {
		if !loud {
			s.voiced = 0
			return 0, false
		}
		s.voiced += d
		if s.voiced < s.minSpeech {
			return 0, false
		}
		s.speaking = true
		s.voiced = 0
		s.silence = 0
		return StartOfSpeech, true
	}

	if loud {
		s.silence = 0
		return 0, false
	}
	s.silence += d
	if s.silence < s.minSilence {
		return 0, false
	}
	s.speaking = false
	s.silence = 0
	return EndOfSpeech, true
}

// RMS returns the normalized root mean square of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / models.BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
