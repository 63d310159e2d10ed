package segmentation

import (
	"context"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/service/provider"
	"ai-speech-failover-service/internal/service/tokenize"
	"ai-speech-failover-service/internal/service/tts"
	ttsmock "ai-speech-failover-service/internal/service/tts/mock"
)

func drainChunks(s tts.SynthesizeStream) ([]models.SynthesisChunk, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var chunks []models.SynthesisChunk
	for {
		c, err := s.Next(ctx)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func segmentIndex(t require.TestingT, id string) int {
	i := strings.LastIndex(id, "-seg-")
	require.True(t, i >= 0, "malformed segment id %q", id)
	n, err := strconv.Atoi(id[i+len("-seg-"):])
	require.NoError(t, err)
	return n
}

func fastMock(opts ...ttsmock.Option) *ttsmock.Provider {
	opts = append([]ttsmock.Option{
		ttsmock.WithStreaming(false),
		ttsmock.WithAudioPerRune(time.Millisecond),
		ttsmock.WithChunkDuration(4 * time.Millisecond),
	}, opts...)
	return ttsmock.New(opts...)
}

func TestTTS_SentencesAndFlush(t *testing.T) {
	p := fastMock()
	s, err := NewTTS(p, tokenize.Basic{}).Stream(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.PushText("Hello there. How "))
	require.NoError(t, s.PushText("are you"))
	require.NoError(t, s.Flush())
	require.NoError(t, s.PushText("Bye."))
	s.Close()

	chunks, err := drainChunks(s)
	require.NoError(t, err)

	texts := map[int]string{}
	finals := map[int]int{}
	for _, c := range chunks {
		seg := segmentIndex(t, c.SegmentID)
		texts[seg] += c.DeltaText
		if c.IsFinal {
			finals[seg]++
		}
	}
	assert.Equal(t, map[int]string{1: "Hello there. How are you", 2: "Bye."}, texts)
	assert.Equal(t, map[int]int{1: 1, 2: 1}, finals)
	assert.True(t, chunks[len(chunks)-1].IsFinal)
	assert.ElementsMatch(t, []string{"Hello there. ", "How are you", "Bye."}, p.Texts())
}

func TestTTS_FlushAfterBoundaryEmitsEmptyFinal(t *testing.T) {
	p := fastMock()
	s, _ := NewTTS(p, tokenize.Basic{}).Stream(context.Background())

	s.PushText("One. ")
	s.PushText("Two. ")
	s.Flush()
	s.Close()

	chunks, err := drainChunks(s)
	require.NoError(t, err)

	last := chunks[len(chunks)-1]
	assert.True(t, last.IsFinal)
	assert.Empty(t, last.Audio.Data)
	assert.Empty(t, last.DeltaText)
	for _, c := range chunks[:len(chunks)-1] {
		assert.False(t, c.IsFinal)
	}
}

func TestTTS_WhitespaceUnitNotSynthesized(t *testing.T) {
	p := fastMock()
	s, _ := NewTTS(p, tokenize.Basic{}).Stream(context.Background())

	s.PushText("   ")
	s.Flush()
	s.Close()

	chunks, err := drainChunks(s)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "   ", chunks[0].DeltaText)
	assert.True(t, chunks[0].IsFinal)
	assert.Zero(t, p.Calls())
}

func TestTTS_EmptyFlushAdvancesSegment(t *testing.T) {
	s, _ := NewTTS(fastMock(), tokenize.Basic{}).Stream(context.Background())

	s.Flush()
	s.Flush()
	s.PushText("Hi")
	s.Close()

	chunks, err := drainChunks(s)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, 3, segmentIndex(t, chunks[0].SegmentID))
}

func TestTTS_LookAheadBoundedAndOrdered(t *testing.T) {
	// Later units synthesize faster; emission must still follow input order.
	p := fastMock(ttsmock.WithLatencyFunc(func(text string) time.Duration {
		return time.Duration(60-10*len(text)) * time.Millisecond
	}))
	s, _ := NewTTS(p, tokenize.Basic{}).Stream(context.Background())

	input := []string{"A. ", "Bb. ", "Ccc. ", "Dddd. "}
	for _, u := range input {
		s.PushText(u)
	}
	s.Close()

	chunks, err := drainChunks(s)
	require.NoError(t, err)

	var got strings.Builder
	for _, c := range chunks {
		got.WriteString(c.DeltaText)
	}
	assert.Equal(t, strings.Join(input, ""), got.String())
	assert.LessOrEqual(t, p.MaxInflight(), lookAhead)
	assert.GreaterOrEqual(t, p.MaxInflight(), 1)
}

func TestTTS_ProviderFailureSurfaces(t *testing.T) {
	boom := provider.Permanent("a", "unauthorized", nil)
	p := fastMock(ttsmock.WithErrors(boom))
	s, _ := NewTTS(p, tokenize.Basic{}).Stream(context.Background())

	s.PushText("Hello. ")
	_, err := drainChunks(s)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.PushText("more"), provider.ErrInvalidState)
	s.Close()
}

func TestTTS_PushAfterClose(t *testing.T) {
	s, _ := NewTTS(fastMock(), tokenize.Basic{}).Stream(context.Background())
	s.Close()
	assert.ErrorIs(t, s.PushText("x"), provider.ErrInvalidState)
	assert.ErrorIs(t, s.Flush(), provider.ErrInvalidState)
}

func TestTTS_DeltaTextReproducesSegments(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		type op struct {
			text  string
			flush bool
		}
		piece := rapid.StringOf(rapid.SampledFrom([]rune("ab .!?\n")))
		ops := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) op {
			return op{text: piece.Draw(t, "text"), flush: rapid.Bool().Draw(t, "flush")}
		}), 0, 12).Draw(rt, "ops")

		s, err := NewTTS(fastMock(), tokenize.Basic{MaxRunes: 8}).Stream(context.Background())
		require.NoError(rt, err)

		want := map[int]string{}
		seg := 1
		for _, o := range ops {
			require.NoError(rt, s.PushText(o.text))
			want[seg] += o.text
			if o.flush {
				require.NoError(rt, s.Flush())
				seg++
			}
		}
		s.Close()

		chunks, err := drainChunks(s)
		require.NoError(rt, err)

		got := map[int]string{}
		finals := map[int]int{}
		last := 0
		for _, c := range chunks {
			idx := segmentIndex(rt, c.SegmentID)
			require.GreaterOrEqual(rt, idx, last, "segment ids must not go backwards")
			require.Zero(rt, finals[idx], "chunk after IsFinal in segment %d", idx)
			last = idx
			got[idx] += c.DeltaText
			if c.IsFinal {
				finals[idx]++
			}
		}

		for idx, text := range want {
			if text == "" {
				require.NotContains(rt, got, idx)
				continue
			}
			require.Equal(rt, text, got[idx], "segment %d", idx)
			require.Equal(rt, 1, finals[idx], "segment %d", idx)
		}
	})
}
