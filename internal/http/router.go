package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ai-speech-failover-service/internal/app"
	"ai-speech-failover-service/internal/models"
	"ai-speech-failover-service/internal/observability/logging"
	"ai-speech-failover-service/internal/service/audio"
	"ai-speech-failover-service/internal/service/provider"
)

// Response headers of /v1/synthesize.
const (
	HeaderSampleRate = "X-Sample-Rate"
	HeaderRequestID  = "X-Request-Id"
)

// frameDuration is the size of the frames request audio is cut into.
const frameDuration = 20 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{app: application}

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/usage", h.usage)
		r.Post("/recognize", h.recognize)
		r.Get("/recognize/stream", h.recognizeStream)
		r.Post("/synthesize", h.synthesize)
	})

	return r
}

type handlers struct {
	app *app.Application
}

type errorResponse struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, status, errorResponse{
		Type:      "error",
		Error:     err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// statusFor maps a coordinator error to an HTTP status.
func statusFor(err error) int {
	var exhausted *provider.ExhaustedError
	switch {
	case provider.IsCancelled(err):
		return http.StatusRequestTimeout
	case errors.Is(err, provider.ErrInvalidState):
		return http.StatusConflict
	case errors.As(err, &exhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// audioFormat reads sample_rate, channels and language query parameters.
type audioFormat struct {
	sampleRate int
	channels   int
	language   string
}

func (h *handlers) audioFormat(r *http.Request) (audioFormat, error) {
	f := audioFormat{
		sampleRate: h.app.Cfg.STT.SampleRateHz,
		channels:   1,
		language:   h.app.Cfg.STT.LanguageCode,
	}
	q := r.URL.Query()
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("invalid sample_rate")
		}
		f.sampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("invalid channels")
		}
		f.channels = n
	}
	if v := q.Get("language"); v != "" {
		f.language = v
	}
	return f, nil
}

// frames cuts pcm into frameDuration frames with stream offsets.
func (f audioFormat) frames(pcm []byte) []models.AudioChunk {
	size := models.BytesFor(frameDuration, f.sampleRate, f.channels)
	if size <= 0 {
		size = len(pcm)
	}
	var out []models.AudioChunk
	var offset time.Duration
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		c := models.AudioChunk{Data: pcm[:n], SampleRate: f.sampleRate, Channels: f.channels, Timestamp: offset}
		offset = c.End()
		out = append(out, c)
		pcm = pcm[n:]
	}
	return out
}

func (h *handlers) usage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Usage.Summary())
}

func (h *handlers) recognize(w http.ResponseWriter, r *http.Request) {
	format, err := h.audioFormat(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.app.Cfg.SegmentLimits.MaxAudioBytes)
	pcm, err := io.ReadAll(body)
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(pcm) == 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("empty audio body"))
		return
	}

	ev, err := h.app.STT.Recognize(r.Context(), format.frames(pcm), format.language)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

// synthesize runs the text through a streaming session and writes raw PCM
// as chunks arrive. Headers are sent with the first chunk, so a failure
// before any audio still gets a JSON error.
func (h *handlers) synthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	ctx := r.Context()
	stream, err := h.app.TTS.Stream(ctx)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	defer stream.Close()

	if err := stream.PushText(req.Text); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	if err := stream.Flush(); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	stream.Close()

	log := logging.WithComponent("http").With().Str("route", "synthesize").Logger()
	flusher, _ := w.(http.Flusher)
	started := false
	for {
		chunk, err := stream.Next(ctx)
		if err == io.EOF {
			if !started {
				w.WriteHeader(http.StatusNoContent)
			}
			return
		}
		if err != nil {
			if !started {
				writeError(w, r, statusFor(err), err)
				return
			}
			log.Warn().Err(err).Str("requestId", chunk.RequestID).Msg("Synthesis failed mid-response")
			return
		}

		if !started {
			started = true
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set(HeaderSampleRate, strconv.Itoa(chunk.Audio.SampleRate))
			w.Header().Set(HeaderRequestID, chunk.RequestID)
			w.WriteHeader(http.StatusOK)
		}
		if len(chunk.Audio.Data) == 0 {
			continue
		}
		if _, err := w.Write(chunk.Audio.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// recognizeStream upgrades to a websocket. Binary messages carry PCM, a
// text message "close" ends input; recognition events are sent back as
// JSON text messages.
func (h *handlers) recognizeStream(w http.ResponseWriter, r *http.Request) {
	format, err := h.audioFormat(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := middleware.GetReqID(r.Context())
	log := logging.WithRequest(sessionID, string(models.KindSTT))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	stream, err := h.app.STT.Stream(ctx, format.language)
	if err != nil {
		_ = conn.WriteJSON(errorResponse{Type: "error", Error: err.Error(), RequestID: sessionID})
		return
	}

	h.app.Metrics.RecordStreamStart(models.KindSTT)
	defer h.app.Metrics.RecordStreamEnd(models.KindSTT)

	handler := audio.NewHandlerWithLimits(stream, sessionID, h.app.SegmentLimits(), h.app.Metrics)
	go readFrames(conn, handler, format, cancel)

	for {
		ev, err := handler.Next(ctx)
		if err == io.EOF {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
			return
		}
		if err != nil {
			if cause := handler.Err(); cause != nil {
				err = cause
			}
			log.Warn().Err(err).Msg("Streaming recognition ended with error")
			_ = conn.WriteJSON(errorResponse{Type: "error", Error: err.Error(), RequestID: sessionID})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "error"))
			return
		}
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Msg("Client write failed")
			return
		}
	}
}

// readFrames pumps client messages into the handler. A normal close or a
// "close" text message ends input gracefully; anything else cancels the
// session.
func readFrames(conn *websocket.Conn, handler *audio.Handler, format audioFormat, cancel context.CancelFunc) {
	var offset time.Duration
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				handler.Close()
				return
			}
			cancel()
			return
		}

		switch mt {
		case websocket.TextMessage:
			if string(data) == "close" {
				handler.Close()
				return
			}
		case websocket.BinaryMessage:
			frame := models.AudioChunk{
				Data:       data,
				SampleRate: format.sampleRate,
				Channels:   format.channels,
				Timestamp:  offset,
			}
			offset = frame.End()
			if err := handler.SendAudio(frame); err != nil {
				cancel()
				return
			}
		}
	}
}
