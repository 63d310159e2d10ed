// Package elevenlabs provides an ElevenLabs text-to-speech provider.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/tts"
)

// Label identifies the provider in attempt records.
const Label = "elevenlabs"

const (
	defaultBaseURL    = "https://api.elevenlabs.io/v1/text-to-speech"
	defaultVoiceID    = "21m00Tcm4TlvDq8ikWAM" // Rachel
	defaultModelID    = "eleven_flash_v2_5"
	defaultSampleRate = 24000
	chunkDuration     = 100 * time.Millisecond
)

// Config holds ElevenLabs settings.
type Config struct {
	APIKey     string
	BaseURL    string
	VoiceID    string
	ModelID    string
	SampleRate int // one of the pcm_* output formats
	Stability  float64
	Similarity float64
}

// Provider implements tts.Provider with the HTTP streaming endpoint.
// Output is 16-bit mono PCM.
type Provider struct {
	cfg        Config
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates an ElevenLabs provider, filling unset fields with defaults.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.75
	}
	return &Provider{cfg: cfg, httpClient: &http.Client{}}
}

// Label implements tts.Provider.
func (p *Provider) Label() string { return Label }

// Capabilities implements tts.Provider. Streaming input is not used; wrap
// the provider with a segmentation adapter for incremental text.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{}
}

// Stream implements tts.Provider.
func (p *Provider) Stream(context.Context) (tts.SynthesizeStream, error) {
	return nil, provider.Permanent(Label, "open stream", provider.ErrStreamingUnsupported)
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize implements tts.Provider. Audio is read from the response as it
// arrives.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.ChunkedStream, error) {
	url := fmt.Sprintf("%s/%s/stream?output_format=pcm_%d", p.cfg.BaseURL, p.cfg.VoiceID, p.cfg.SampleRate)

	body, err := json.Marshal(ttsRequest{
		Text:    text,
		ModelID: p.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       p.cfg.Stability,
			SimilarityBoost: p.cfg.Similarity,
		},
	})
	if err != nil {
		return nil, provider.Permanent(Label, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.Permanent(Label, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Transient(Label, "send request", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, statusError(resp.StatusCode, string(msg))
	}

	requestID := uuid.NewString()
	return &chunkedStream{
		body:      resp.Body,
		text:      text,
		rate:      p.cfg.SampleRate,
		size:      models.BytesFor(chunkDuration, p.cfg.SampleRate, 1),
		requestID: requestID,
		segmentID: segment.New(requestID).Current(),
	}, nil
}

// statusError classifies an HTTP status: client errors other than throttling
// are permanent.
func statusError(code int, body string) error {
	msg := fmt.Sprintf("HTTP %d: %s", code, strings.TrimSpace(body))
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		return provider.Permanent(Label, msg, nil)
	}
	return provider.Transient(Label, msg, nil)
}

// chunkedStream cuts the response body into fixed-duration chunks, reading
// one chunk ahead so the last one can be marked final. The whole text is
// attributed to the final chunk.
type chunkedStream struct {
	body      io.ReadCloser
	text      string
	rate      int
	size      int
	requestID string
	segmentID string

	primed  bool
	cur     []byte
	curErr  error
	ts      time.Duration
	emitted bool
	done    bool
}

func (s *chunkedStream) read() ([]byte, error) {
	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.body, buf)
	switch {
	case err == io.ErrUnexpectedEOF:
		// Keep whole samples only.
		return buf[:n-n%models.BytesPerSample], nil
	case err != nil:
		return nil, err
	}
	return buf, nil
}

func (s *chunkedStream) Next(ctx context.Context) (models.SynthesisChunk, error) {
	if err := ctx.Err(); err != nil {
		return models.SynthesisChunk{}, err
	}
	if s.done {
		return models.SynthesisChunk{}, io.EOF
	}
	if !s.primed {
		s.cur, s.curErr = s.read()
		s.primed = true
	}

	if s.curErr != nil {
		s.finish()
		if s.curErr != io.EOF {
			return models.SynthesisChunk{}, provider.Transient(Label, "read audio", s.curErr)
		}
		if s.emitted {
			return models.SynthesisChunk{}, io.EOF
		}
		// No audio at all still ends the segment.
		s.emitted = true
		return s.chunk(nil, true), nil
	}

	data := s.cur
	s.cur, s.curErr = s.read()
	final := s.curErr == io.EOF
	if final {
		s.finish()
	}
	s.emitted = true
	return s.chunk(data, final), nil
}

func (s *chunkedStream) chunk(data []byte, final bool) models.SynthesisChunk {
	c := models.SynthesisChunk{
		Audio: models.AudioChunk{
			Data:       data,
			SampleRate: s.rate,
			Channels:   1,
			Timestamp:  s.ts,
		},
		RequestID: s.requestID,
		SegmentID: s.segmentID,
		IsFinal:   final,
	}
	if final {
		c.DeltaText = s.text
	}
	s.ts += c.Audio.Duration()
	return c
}

func (s *chunkedStream) finish() {
	if !s.done {
		s.done = true
		s.body.Close()
	}
}

func (s *chunkedStream) Close() {
	s.finish()
}
