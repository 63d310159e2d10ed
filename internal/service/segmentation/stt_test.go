package segmentation

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/stt"
	sttmock "ai-speech-failover-service/internal/service/stt/mock"
	"ai-speech-failover-service/internal/service/vad"
)

// scriptVAD reports boundaries encoded in the first byte of each frame.
type scriptVAD struct{}

func (scriptVAD) Open() vad.Stream { return &scriptStream{} }

type scriptStream struct{ speaking bool }

func (s *scriptStream) Speaking() bool { return s.speaking }

func (s *scriptStream) Push(f models.AudioChunk) (vad.Boundary, bool) {
	switch f.Data[0] {
	case 'S':
		if !s.speaking {
			s.speaking = true
			return vad.StartOfSpeech, true
		}
	case 'E':
		if s.speaking {
			s.speaking = false
			return vad.EndOfSpeech, true
		}
	}
	return 0, false
}

func marked(i int, mark byte) models.AudioChunk {
	return models.AudioChunk{
		Data:       []byte{mark, 0},
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Duration(i) * time.Millisecond,
	}
}

func drainEvents(s stt.RecognizeStream) ([]models.RecognitionEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var events []models.RecognitionEvent
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func types(events []models.RecognitionEvent) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestSTT_SpanLifecycle(t *testing.T) {
	p := sttmock.New(sttmock.WithStreaming(false))
	s, err := NewSTT(p, scriptVAD{}).Stream(context.Background(), "en-US")
	require.NoError(t, err)

	frames := []models.AudioChunk{
		marked(0, '-'), marked(1, 'S'), marked(2, '-'), marked(3, 'E'), marked(4, '-'),
	}
	for _, f := range frames {
		require.NoError(t, s.PushFrame(f))
	}
	s.Close()

	events, err := drainEvents(s)
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.StartOfSpeech, models.FinalTranscript, models.EndOfSpeech}, types(events))
	assert.Equal(t, sttmock.DefaultUtterances[0].Final, events[1].Text())

	recognized := p.Recognized()
	require.Len(t, recognized, 1)
	assert.Equal(t, frames[1:4], recognized[0], "recognize must see exactly the frames from START through END")
}

func TestSTT_NoRecognizeBeforeEnd(t *testing.T) {
	p := sttmock.New()
	s, err := NewSTT(p, scriptVAD{}).Stream(context.Background(), "")
	require.NoError(t, err)

	s.PushFrame(marked(0, 'S'))
	s.PushFrame(marked(1, '-'))

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StartOfSpeech, ev.Type)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, p.Recognized(), "span must not be recognized while open")

	s.PushFrame(marked(2, 'E'))
	ev, err = s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.FinalTranscript, ev.Type)
	s.Close()
}

func TestSTT_CloseRecognizesOpenSpan(t *testing.T) {
	p := sttmock.New()
	s, _ := NewSTT(p, scriptVAD{}).Stream(context.Background(), "")

	s.PushFrame(marked(0, 'S'))
	s.PushFrame(marked(1, '-'))
	s.Close()
	s.Close()

	events, err := drainEvents(s)
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.StartOfSpeech, models.FinalTranscript, models.EndOfSpeech}, types(events))
	require.Len(t, p.Recognized(), 1)
	assert.Len(t, p.Recognized()[0], 2)
}

func TestSTT_EmptyTranscriptStillEndsSpan(t *testing.T) {
	p := sttmock.New(sttmock.WithUtterances(sttmock.SimulatedUtterance{}))
	s, _ := NewSTT(p, scriptVAD{}).Stream(context.Background(), "")

	s.PushFrame(marked(0, 'S'))
	s.PushFrame(marked(1, 'E'))
	s.Close()

	events, err := drainEvents(s)
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.StartOfSpeech, models.EndOfSpeech}, types(events))
}

func TestSTT_RecognizeFailurePropagates(t *testing.T) {
	boom := provider.Transient("a", "reset", nil)
	p := sttmock.New(sttmock.WithErrors(boom))
	s, _ := NewSTT(p, scriptVAD{}).Stream(context.Background(), "")

	s.PushFrame(marked(0, 'S'))
	s.PushFrame(marked(1, 'E'))

	events, err := drainEvents(s)
	assert.Equal(t, []models.EventType{models.StartOfSpeech}, types(events))
	assert.True(t, errors.Is(err, boom))
	assert.ErrorIs(t, s.PushFrame(marked(2, '-')), provider.ErrInvalidState)
	s.Close()
}

func TestSTT_PushAfterClose(t *testing.T) {
	s, _ := NewSTT(sttmock.New(), scriptVAD{}).Stream(context.Background(), "")
	s.Close()
	assert.ErrorIs(t, s.PushFrame(marked(0, '-')), provider.ErrInvalidState)
}

func TestSTT_SpansMatchRecognizedAudio(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		marks := rapid.SliceOfN(rapid.SampledFrom([]byte{'-', 'S', 'E'}), 0, 40).Draw(rt, "marks")

		p := sttmock.New()
		s, err := NewSTT(p, scriptVAD{}).Stream(context.Background(), "")
		require.NoError(rt, err)

		var want [][]models.AudioChunk
		var span []models.AudioChunk
		speaking := false
		for i, m := range marks {
			f := marked(i, m)
			require.NoError(rt, s.PushFrame(f))
			switch {
			case !speaking && m == 'S':
				speaking = true
				span = []models.AudioChunk{f}
			case speaking:
				span = append(span, f)
				if m == 'E' {
					want = append(want, span)
					speaking = false
				}
			}
		}
		if speaking {
			want = append(want, span)
		}
		s.Close()

		events, err := drainEvents(s)
		require.NoError(rt, err)

		// Well formed: START (FINAL) END, repeated, one triple per span.
		open := false
		finals := 0
		for _, ev := range events {
			switch ev.Type {
			case models.StartOfSpeech:
				require.False(rt, open, "START inside a span")
				open = true
			case models.FinalTranscript:
				require.True(rt, open, "FINAL outside a span")
				finals++
			case models.EndOfSpeech:
				require.True(rt, open, "END outside a span")
				open = false
			default:
				rt.Fatalf("unexpected event %v", ev.Type)
			}
		}
		require.False(rt, open)
		require.Equal(rt, len(want), finals)
		require.Equal(rt, want, p.Recognized())
	})
}
