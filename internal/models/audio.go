// Package models defines the data structures exchanged between providers,
// adapters, coordinators and metrics sinks.
package models

import "time"

// BytesPerSample is the sample width of the PCM audio carried by AudioChunk.
// All audio is 16-bit little-endian linear PCM.
const BytesPerSample = 2

// AudioChunk is an immutable buffer of interleaved 16-bit PCM audio.
type AudioChunk struct {
	Data       []byte        `json:"-"`
	SampleRate int           `json:"sampleRate"`
	Channels   int           `json:"channels"`
	Timestamp  time.Duration `json:"timestamp"` // offset from the start of the stream
}

// Duration returns the playback duration of the chunk.
// Chunks with an invalid format report zero.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := int64(len(c.Data)) / int64(BytesPerSample*c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// End returns the stream offset just after the last sample of the chunk.
func (c AudioChunk) End() time.Duration {
	return c.Timestamp + c.Duration()
}

// TotalDuration sums the duration of the given chunks.
func TotalDuration(chunks []AudioChunk) time.Duration {
	var d time.Duration
	for _, c := range chunks {
		d += c.Duration()
	}
	return d
}

// Concat joins the PCM payload of the given chunks. All chunks are expected
// to share the same sample rate and channel count.
func Concat(chunks []AudioChunk) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c.Data)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}

// BytesFor returns the size in bytes of d worth of audio in the given format.
func BytesFor(d time.Duration, sampleRate, channels int) int {
	samples := int64(d) * int64(sampleRate) / int64(time.Second)
	return int(samples) * BytesPerSample * channels
}
