// Package google provides a Google Cloud Speech-to-Text provider.
package google

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/queue"
	"ai-speech-failover-service/internal/service/segment"
	"ai-speech-failover-service/internal/service/stt"
)

// Label identifies the provider in attempt records.
const Label = "google"

// Config holds Google Speech-to-Text settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Model          string
}

// DefaultConfig returns telephony defaults.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// parseAudioEncoding maps an encoding name to the API enum. Unknown names
// fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	v, ok := speechpb.RecognitionConfig_AudioEncoding_value[encoding]
	if !ok || v == 0 {
		return speechpb.RecognitionConfig_LINEAR16
	}
	return speechpb.RecognitionConfig_AudioEncoding(v)
}

// speechClient is the subset of *speech.Client used by the provider.
type speechClient interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	StreamingRecognize(ctx context.Context, opts ...gax.CallOption) (speechpb.Speech_StreamingRecognizeClient, error)
	Close() error
}

// Provider implements stt.Provider using Google Cloud Speech-to-Text.
type Provider struct {
	client speechClient
	cfg    Config
	log    zerolog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Google provider.
// Requires GOOGLE_APPLICATION_CREDENTIALS unless opts carry credentials.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Provider, error) {
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, classify(err)
	}
	return newProvider(c, cfg), nil
}

func newProvider(c speechClient, cfg Config) *Provider {
	return &Provider{client: c, cfg: cfg, log: logging.WithComponent("stt-google")}
}

// Label implements stt.Provider.
func (p *Provider) Label() string { return Label }

// Capabilities implements stt.Provider.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true, InterimResults: p.cfg.InterimResults}
}

// Close releases the gRPC connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) recognitionConfig(language string, sampleRate, channels int) *speechpb.RecognitionConfig {
	if language == "" {
		language = p.cfg.LanguageCode
	}
	if sampleRate <= 0 {
		sampleRate = p.cfg.SampleRateHz
	}
	rc := &speechpb.RecognitionConfig{
		Encoding:        parseAudioEncoding(p.cfg.AudioEncoding),
		SampleRateHertz: int32(sampleRate),
		LanguageCode:    language,
		Model:           p.cfg.Model,
	}
	if channels > 1 {
		rc.AudioChannelCount = int32(channels)
	}
	return rc
}

// Recognize implements stt.Provider with a synchronous Recognize call.
func (p *Provider) Recognize(ctx context.Context, frames []models.AudioChunk, language string) (models.RecognitionEvent, error) {
	var rate, channels int
	if len(frames) > 0 {
		rate, channels = frames[0].SampleRate, frames[0].Channels
	}
	resp, err := p.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: p.recognitionConfig(language, rate, channels),
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: models.Concat(frames)},
		},
	})
	if err != nil {
		return models.RecognitionEvent{}, classify(err)
	}

	var texts []string
	var confidence float64
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		texts = append(texts, strings.TrimSpace(alt.GetTranscript()))
		confidence += float64(alt.GetConfidence())
	}
	if len(texts) > 0 {
		confidence /= float64(len(texts))
	}

	data := &models.SpeechData{
		Text:       strings.Join(texts, " "),
		Confidence: confidence,
		Language:   language,
	}
	if len(frames) > 0 {
		data.StartTime = frames[0].Timestamp
		data.EndTime = frames[len(frames)-1].End()
	}
	return models.RecognitionEvent{Type: models.FinalTranscript, Speech: data}, nil
}

// Stream opens a StreamingRecognize session and sends the initial config.
func (p *Provider) Stream(ctx context.Context, language string) (stt.RecognizeStream, error) {
	sc, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if language == "" {
		language = p.cfg.LanguageCode
	}

	// Send streaming config as the first message
	err = sc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         p.recognitionConfig(language, 0, 0),
				InterimResults: p.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	s := &stream{
		sc:       sc,
		language: language,
		lc:       segment.NewLifecycle(),
		out:      queue.New[models.RecognitionEvent](),
		log:      p.log,
	}
	go s.listen()
	return s, nil
}

type stream struct {
	sc       speechpb.Speech_StreamingRecognizeClient
	language string
	lc       *segment.Lifecycle
	out      *queue.Queue[models.RecognitionEvent]
	log      zerolog.Logger

	sendMu   sync.Mutex
	timeline stt.Timeline
	inSpan   bool
}

func (s *stream) PushFrame(frame models.AudioChunk) error {
	if err := s.lc.CheckInput("PushFrame"); err != nil {
		return err
	}
	s.timeline.Observe(frame)
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.sc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame.Data,
		},
	})
	if err == io.EOF {
		// The real error is reported by Recv.
		return nil
	}
	if err != nil {
		return classify(err)
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

func (s *stream) Close() {
	if !s.lc.BeginClose() {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.sc.CloseSend(); err != nil {
		s.log.Debug().Err(err).Msg("CloseSend failed")
	}
}

// listen receives responses and converts them to recognition events.
// Google reports no explicit speech boundaries in this mode, so a span opens
// with the first result and closes with its final result.
func (s *stream) listen() {
	for {
		resp, err := s.sc.Recv()
		if err == io.EOF {
			if s.inSpan {
				s.out.Push(models.RecognitionEvent{Type: models.EndOfSpeech})
			}
			s.out.Close()
			return
		}
		if err != nil {
			err = classify(err)
			s.lc.Fail(err)
			s.out.CloseWithError(err)
			return
		}

		for _, r := range resp.GetResults() {
			if len(r.GetAlternatives()) == 0 {
				continue
			}
			alt := r.GetAlternatives()[0]
			if !s.inSpan {
				s.inSpan = true
				s.out.Push(models.RecognitionEvent{Type: models.StartOfSpeech})
			}
			data := &models.SpeechData{
				Text:       alt.GetTranscript(),
				Confidence: float64(alt.GetConfidence()),
				Language:   s.language,
				EndTime:    s.timeline.At(r.GetResultEndTime().AsDuration()),
			}
			if !r.GetIsFinal() {
				s.out.Push(models.RecognitionEvent{Type: models.InterimTranscript, Speech: data})
				continue
			}
			s.out.Push(models.RecognitionEvent{Type: models.FinalTranscript, Speech: data})
			s.out.Push(models.RecognitionEvent{Type: models.EndOfSpeech})
			s.inSpan = false
		}
	}
}

// classify maps gRPC status codes to the provider error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return provider.Transient(Label, "", err)
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument,
		codes.NotFound, codes.FailedPrecondition, codes.Unimplemented, codes.OutOfRange:
		return provider.Permanent(Label, st.Code().String(), err)
	default:
		return provider.Transient(Label, st.Code().String(), err)
	}
}
