// Package deepgram provides a Deepgram speech-to-text provider: prerecorded
// REST requests for single-shot recognition and the live websocket API for
// streaming.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/stt"
)

// Label identifies the provider in attempt records.
const Label = "deepgram"

const (
	defaultLiveURL   = "wss://api.deepgram.com/v1/listen"
	defaultListenURL = "https://api.deepgram.com/v1/listen"
	keepAlive        = 5 * time.Second
)

// Config holds Deepgram settings.
type Config struct {
	APIKey         string
	LiveURL        string
	ListenURL      string
	Model          string // e.g. "nova-3"
	Language       string
	Encoding       string // e.g. "linear16"
	SampleRate     int
	Channels       int
	Punctuate      bool
	InterimResults bool
	Endpointing    int // milliseconds of silence for endpointing, 0 for default
	UtteranceEndMs int // 0 disables UtteranceEnd messages
}

// DefaultConfig returns defaults for 16 kHz mono PCM.
func DefaultConfig() Config {
	return Config{
		LiveURL:        defaultLiveURL,
		ListenURL:      defaultListenURL,
		Model:          "nova-3",
		Language:       "en-US",
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
		Punctuate:      true,
		InterimResults: true,
		Endpointing:    300,
		UtteranceEndMs: 1000,
	}
}

// Provider implements stt.Provider against the Deepgram API.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	dialer     *websocket.Dialer
	log        zerolog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Deepgram provider.
func New(cfg Config) *Provider {
	def := DefaultConfig()
	if cfg.LiveURL == "" {
		cfg.LiveURL = def.LiveURL
	}
	if cfg.ListenURL == "" {
		cfg.ListenURL = def.ListenURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Encoding == "" {
		cfg.Encoding = def.Encoding
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		log:        logging.WithComponent("stt-deepgram"),
	}
}

// Label implements stt.Provider.
func (p *Provider) Label() string { return Label }

// Capabilities implements stt.Provider.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true, InterimResults: p.cfg.InterimResults}
}

func (p *Provider) query(language string, sampleRate, channels int, live bool) url.Values {
	if language == "" {
		language = p.cfg.Language
	}
	if sampleRate <= 0 {
		sampleRate = p.cfg.SampleRate
	}
	if channels <= 0 {
		channels = p.cfg.Channels
	}
	q := url.Values{}
	q.Set("model", p.cfg.Model)
	if language != "" {
		q.Set("language", language)
	}
	q.Set("encoding", p.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", strconv.FormatBool(p.cfg.Punctuate))
	if live {
		q.Set("interim_results", strconv.FormatBool(p.cfg.InterimResults))
		q.Set("vad_events", "true")
		if p.cfg.Endpointing > 0 {
			q.Set("endpointing", strconv.Itoa(p.cfg.Endpointing))
		}
		if p.cfg.UtteranceEndMs > 0 {
			q.Set("utterance_end_ms", strconv.Itoa(p.cfg.UtteranceEndMs))
		}
	}
	return q
}

// listenResponse is the part of the prerecorded API response read here. The
// channel layout matches the live API.
type listenResponse struct {
	Results struct {
		Channels []api.Channel `json:"channels"`
	} `json:"results"`
}

// Recognize implements stt.Provider with a prerecorded request.
func (p *Provider) Recognize(ctx context.Context, frames []models.AudioChunk, language string) (models.RecognitionEvent, error) {
	var rate, channels int
	if len(frames) > 0 {
		rate, channels = frames[0].SampleRate, frames[0].Channels
	}
	u := p.cfg.ListenURL + "?" + p.query(language, rate, channels, false).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(models.Concat(frames)))
	if err != nil {
		return models.RecognitionEvent{}, provider.Permanent(Label, "build request", err)
	}
	req.Header.Set("Authorization", "Token "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.RecognitionEvent{}, ctx.Err()
		}
		return models.RecognitionEvent{}, provider.Transient(Label, "send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return models.RecognitionEvent{}, statusError(resp.StatusCode, string(body))
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return models.RecognitionEvent{}, provider.Transient(Label, "decode response", err)
	}

	data := &models.SpeechData{Language: language}
	if ch := lr.Results.Channels; len(ch) > 0 && len(ch[0].Alternatives) > 0 {
		data.Text = ch[0].Alternatives[0].Transcript
		data.Confidence = ch[0].Alternatives[0].Confidence
	}
	if len(frames) > 0 {
		data.StartTime = frames[0].Timestamp
		data.EndTime = frames[len(frames)-1].End()
	}
	return models.RecognitionEvent{Type: models.FinalTranscript, Speech: data}, nil
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

// Stream implements stt.Provider with the live websocket API.
func (p *Provider) Stream(ctx context.Context, language string) (stt.RecognizeStream, error) {
	u := p.cfg.LiveURL + "?" + p.query(language, 0, 0, true).Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, u, headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil {
			return nil, statusError(resp.StatusCode, resp.Status)
		}
		return nil, provider.Transient(Label, "dial", err)
	}

	if language == "" {
		language = p.cfg.Language
	}
	s := &stream{
		conn:     conn,
		language: language,
		lc:       segment.NewLifecycle(),
		out:      queue.New[models.RecognitionEvent](),
		done:     make(chan struct{}),
		log:      p.log,
	}
	go s.readLoop()
	go s.keepAlive(ctx)
	return s, nil
}

// keepAliveType is the live API control message that holds an idle socket open.
const keepAliveType = "KeepAlive"

// control is a live API control message.
type control struct {
	Type string `json:"type"`
}

type stream struct {
	conn     *websocket.Conn
	language string
	lc       *segment.Lifecycle
	out      *queue.Queue[models.RecognitionEvent]
	done     chan struct{}
	log      zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	timeline  stt.Timeline

	// Owned by readLoop.
	inSpan     bool
	finalText  []string
	confidence float64
	spanStart  time.Duration
	spanEnd    time.Duration
}

func (s *stream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *stream) writeControl(typ string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(control{Type: typ})
}

func (s *stream) PushFrame(frame models.AudioChunk) error {
	if err := s.lc.CheckInput("PushFrame"); err != nil {
		return err
	}
	s.timeline.Observe(frame)
	if err := s.write(websocket.BinaryMessage, frame.Data); err != nil {
		return provider.Transient(Label, "send audio", err)
	}
	return nil
}

func (s *stream) Next(ctx context.Context) (models.RecognitionEvent, error) {
	ev, err := s.out.Next(ctx)
	if err == io.EOF {
		s.lc.Finish()
	}
	return ev, err
}

// Close asks Deepgram to flush; the server then closes the socket.
func (s *stream) Close() {
	if !s.lc.BeginClose() {
		return
	}
	if err := s.writeControl(string(api.TypeCloseStreamResponse)); err != nil {
		s.log.Debug().Err(err).Msg("CloseStream failed")
		s.shutdown()
	}
}

func (s *stream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *stream) keepAlive(ctx context.Context) {
	t := time.NewTicker(keepAlive)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.writeControl(keepAliveType); err != nil {
				return
			}
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.done:
			return
		}
	}
}

func (s *stream) readLoop() {
	defer s.shutdown()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.end(err)
			return
		}

		if err := s.handle(msg); err != nil {
			s.log.Warn().Err(err).Msg("Failed to parse Deepgram message")
		}
	}
}

func (s *stream) handle(msg []byte) error {
	var head control
	if err := json.Unmarshal(msg, &head); err != nil {
		return err
	}

	switch api.TypeResponse(head.Type) {
	case api.TypeSpeechStartedResponse:
		var m api.SpeechStartedResponse
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		s.open(seconds(m.Timestamp))
	case api.TypeMessageResponse:
		var m api.MessageResponse
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		s.result(m)
	case api.TypeUtteranceEndResponse:
		s.closeSpan()
	}
	return nil
}

func (s *stream) result(m api.MessageResponse) {
	var alt api.Alternative
	if len(m.Channel.Alternatives) > 0 {
		alt = m.Channel.Alternatives[0]
	}
	if alt.Transcript == "" && !m.SpeechFinal {
		return
	}
	s.open(seconds(m.Start))
	s.spanEnd = seconds(m.Start + m.Duration)
	if !m.IsFinal {
		s.out.Push(models.RecognitionEvent{Type: models.InterimTranscript, Speech: s.speech(alt.Transcript, alt.Confidence)})
		return
	}
	if alt.Transcript != "" {
		s.finalText = append(s.finalText, alt.Transcript)
		s.confidence = alt.Confidence
	}
	if m.SpeechFinal {
		s.closeSpan()
	}
}

func (s *stream) open(start time.Duration) {
	if s.inSpan {
		return
	}
	s.inSpan = true
	s.spanStart = start
	s.out.Push(models.RecognitionEvent{Type: models.StartOfSpeech})
}

// closeSpan emits the accumulated final transcript and END.
func (s *stream) closeSpan() {
	if !s.inSpan {
		return
	}
	if len(s.finalText) > 0 {
		s.out.Push(models.RecognitionEvent{
			Type:   models.FinalTranscript,
			Speech: s.speech(strings.Join(s.finalText, " "), s.confidence),
		})
	}
	s.out.Push(models.RecognitionEvent{Type: models.EndOfSpeech})
	s.inSpan = false
	s.finalText = nil
	s.confidence = 0
}

func (s *stream) speech(text string, confidence float64) *models.SpeechData {
	return &models.SpeechData{
		Text:       text,
		Confidence: confidence,
		Language:   s.language,
		StartTime:  s.timeline.At(s.spanStart),
		EndTime:    s.timeline.At(s.spanEnd),
	}
}

// end terminates the event stream. A socket closed after CloseStream is a
// graceful end; anything else fails the session.
func (s *stream) end(err error) {
	graceful := s.lc.State() == segment.StateClosing &&
		(websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) ||
			errors.Is(err, io.EOF))
	if graceful {
		s.closeSpan()
		s.out.Close()
		return
	}

	var perr error = provider.Transient(Label, "read", err)
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseUnsupportedData) {
		perr = provider.Permanent(Label, "rejected", err)
	}
	if s.lc.Fail(perr) {
		s.out.CloseWithError(perr)
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
