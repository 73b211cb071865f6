package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"golang.org/x/sync/semaphore"
)

const maxFieldBytes = 256

// EventLister reads back a request's job timeline.
type EventLister interface {
	ListRequestEvents(ctx context.Context, requestID string, limit int) ([]eventstore.Event, error)
}

type api struct {
	cfg        config.Config
	recognizer stt.Recognizer
	events     EventLister
	inflight   *semaphore.Weighted
	logger     *slog.Logger
}

func newAPI(cfg config.Config, recognizer stt.Recognizer, events EventLister, logger *slog.Logger) *api {
	return &api{
		cfg:        cfg,
		recognizer: recognizer,
		events:     events,
		inflight:   semaphore.NewWeighted(int64(cfg.HTTP.MaxInflight)),
		logger:     logger.With(slog.String("component", "api")),
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", a.handleTranscribe)
	mux.HandleFunc("POST /v1/transcribe", a.handleTranscribe)
	mux.HandleFunc("GET /v1/requests/{id}/events", a.handleEvents)
}

// requestError is a client-side problem detected before relaying.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(status int, format string, args ...any) error {
	return &requestError{status: status, msg: fmt.Sprintf(format, args...)}
}

type inbound struct {
	body      io.Reader
	mediaType string
	filename  string
	language  string
	size      int64
}

func (a *api) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	logger := a.logger.With(slog.String("request_id", requestID))

	if !a.inflight.TryAcquire(1) {
		writeError(w, http.StatusServiceUnavailable, "too many transcriptions in flight, retry later")
		return
	}
	defer a.inflight.Release(1)

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.HTTP.MaxUploadBytes())

	in, err := a.readInbound(r)
	if err != nil {
		a.writeFailure(w, logger, err)
		return
	}

	hint := in.language
	if hint == "" {
		hint = a.cfg.STT.DefaultLanguage
	}
	languageCode, err := stt.ResolveLanguage(hint)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stream, info := audio.Sniff(in.body, in.mediaType)
	if info.Empty {
		writeError(w, http.StatusBadRequest, "audio file is empty")
		return
	}
	if !audio.Acceptable(info.MediaType) {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported media type %q", info.MediaType))
		return
	}
	attrs := []any{
		slog.String("media_type", info.MediaType),
		slog.String("language_code", languageCode),
	}
	if d := info.EstimateDuration(in.size); d > 0 {
		attrs = append(attrs, slog.Duration("audio_duration", d))
	}
	logger.Info("audio received", attrs...)

	payload, cleanup, err := a.payload(stream, info.MediaType, in.size)
	if err != nil {
		a.writeFailure(w, logger, err)
		return
	}
	defer cleanup()
	payload.Filename = in.filename

	result, err := a.recognizer.Transcribe(r.Context(), stt.Request{
		ID:      requestID,
		Client:  r.RemoteAddr,
		Payload: payload,
		Options: stt.JobOptions{LanguageCode: languageCode},
	})
	if err != nil {
		if r.Context().Err() != nil {
			logger.Info("client went away before the transcript was ready", slogError(err))
			return
		}
		a.writeFailure(w, logger, err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "text") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="transcription.txt"`)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, result.Text)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"transcript": result.Text,
		"job_id":     string(result.JobID),
	})
}

// readInbound locates the audio in either a multipart form or a raw body.
// Multipart fields are only honoured when they precede the audio part.
func (a *api) readInbound(r *http.Request) (inbound, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil && contentType != "" {
		return inbound{}, badRequest(http.StatusBadRequest, "malformed content type")
	}

	if mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			return inbound{}, badRequest(http.StatusBadRequest, "malformed multipart body: %v", err)
		}
		in := inbound{size: -1, language: r.URL.Query().Get("language")}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return inbound{}, badRequest(http.StatusBadRequest, "multipart body has no audio part")
			}
			if err != nil {
				return inbound{}, multipartError(err)
			}
			switch part.FormName() {
			case "audio":
				in.body = part
				in.mediaType = part.Header.Get("Content-Type")
				in.filename = part.FileName()
				return in, nil
			case "language":
				value, err := readField(part)
				if err != nil {
					return inbound{}, err
				}
				if value != "" {
					in.language = value
				}
			default:
				_, _ = io.Copy(io.Discard, part)
			}
		}
	}

	if mediaType == "" {
		return inbound{}, badRequest(http.StatusUnsupportedMediaType, "missing content type")
	}
	if !audio.Acceptable(mediaType) {
		return inbound{}, badRequest(http.StatusUnsupportedMediaType, "unsupported media type %q", mediaType)
	}
	size := r.ContentLength
	if size < 0 {
		size = -1
	}
	return inbound{
		body:      r.Body,
		mediaType: contentType,
		language:  r.URL.Query().Get("language"),
		size:      size,
	}, nil
}

func readField(part *multipart.Part) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", multipartError(err)
	}
	if len(raw) > maxFieldBytes {
		return "", badRequest(http.StatusBadRequest, "field %q is too long", part.FormName())
	}
	return strings.TrimSpace(string(raw)), nil
}

func multipartError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return badRequest(http.StatusBadRequest, "malformed multipart body: %v", err)
}

// payload turns the inbound stream into something the relay can send. With
// relay retries enabled the stream is spooled to disk first so a retry can
// resend every byte.
func (a *api) payload(stream io.Reader, mediaType string, size int64) (stt.AudioPayload, func(), error) {
	if a.cfg.Relay.MaxRetries == 0 {
		return stt.StreamPayload(stream, mediaType, size), func() {}, nil
	}

	f, err := os.CreateTemp(a.cfg.HTTP.SpoolDir, "transcribe-upload-*")
	if err != nil {
		return stt.AudioPayload{}, func() {}, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		_ = os.Remove(f.Name())
	}
	if _, err := io.Copy(f, stream); err != nil {
		f.Close()
		cleanup()
		return stt.AudioPayload{}, func() {}, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return stt.AudioPayload{}, func() {}, fmt.Errorf("close spool file: %w", err)
	}
	p, err := stt.FilePayload(f.Name(), mediaType)
	if err != nil {
		cleanup()
		return stt.AudioPayload{}, func() {}, err
	}
	return p, cleanup, nil
}

func (a *api) writeFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, msg := classify(err)
	if status >= 500 {
		logger.Warn("transcription request failed", slog.Int("status", status), slogError(err))
	} else {
		logger.Info("transcription request rejected", slog.Int("status", status), slogError(err))
	}
	writeError(w, status, msg)
}

// classify maps pipeline errors onto HTTP statuses.
func classify(err error) (int, string) {
	var reqErr *requestError
	var maxErr *http.MaxBytesError
	var transcriptionErr *stt.TranscriptionError
	var timeoutErr *stt.TimeoutError
	var uploadErr *stt.UploadError
	var createErr *stt.JobCreationError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.status, reqErr.msg
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds the %d byte limit", maxErr.Limit)
	case errors.As(err, &transcriptionErr):
		return http.StatusUnprocessableEntity, transcriptionErr.Reason
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, err.Error()
	case errors.As(err, &uploadErr), errors.As(err, &createErr):
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	JobID     string          `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := a.events.ListRequestEvents(r.Context(), requestID, limit)
	if err != nil {
		a.logger.Warn("failed to list request events", slog.String("request_id", requestID), slogError(err))
		writeError(w, http.StatusInternalServerError, "event store unavailable")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "no events recorded for request")
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{ID: e.ID, Type: e.Type, JobID: e.JobID, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			v.Payload = e.Payload
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "events": views})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
