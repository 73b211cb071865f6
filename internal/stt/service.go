package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Recorder persists a request's job timeline.
type Recorder interface {
	AppendRequest(ctx context.Context, requestID, client, privacy string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Publisher broadcasts job events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options wires optional collaborators into the service.
type Options struct {
	Store   Recorder
	Bus     Publisher
	Privacy string
}

// Service runs the upload, create and poll pipeline for each request. Every
// request gets its own Relay and Poller; only the provider client is shared.
type Service struct {
	provider  Provider
	relayCfg  config.RelayConfig
	pollerCfg config.PollerConfig
	store     Recorder
	bus       Publisher
	privacy   string
	logger    *slog.Logger
	metrics   *serviceMetrics
}

var eventTypes = map[string]string{
	protocol.KindReceived:  "request.received",
	protocol.KindUploaded:  "upload.completed",
	protocol.KindCreated:   "job.created",
	protocol.KindStatus:    "job.status",
	protocol.KindCompleted: "job.completed",
	protocol.KindFailed:    "job.failed",
}

func NewService(provider Provider, cfg config.Config, opts Options, logger *slog.Logger) (*Service, error) {
	if provider == nil {
		return nil, errors.New("stt service requires a provider")
	}
	metrics, err := newServiceMetrics(otel.Meter("github.com/loqalabs/loqa-transcribe/internal/stt"))
	if err != nil {
		return nil, fmt.Errorf("init stt metrics: %w", err)
	}
	privacy := opts.Privacy
	if privacy == "" {
		privacy = cfg.EventStore.PrivacyScope
	}
	return &Service{
		provider:  provider,
		relayCfg:  cfg.Relay,
		pollerCfg: cfg.Poller,
		store:     opts.Store,
		bus:       opts.Bus,
		privacy:   privacy,
		logger:    logger.With(slog.String("component", "stt")),
		metrics:   metrics,
	}, nil
}

// Transcribe uploads the request's audio, creates a job and waits for its text.
func (s *Service) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("job.language_code", req.Options.LanguageCode),
	))
	defer span.End()

	logger := s.logger.With(slog.String("request_id", req.ID))
	s.record(req, protocol.JobEvent{Kind: protocol.KindReceived, Bytes: max(req.Payload.Size, 0)})
	logger.Info("transcription requested",
		slog.String("media_type", req.Payload.MediaType),
		slog.Int64("size", req.Payload.Size),
		slog.String("language_code", req.Options.LanguageCode),
	)

	relay := NewRelay(s.provider, s.relayCfg, logger)
	upload, err := relay.Upload(ctx, req.Payload)
	if err != nil {
		return s.fail(ctx, span, logger, req, "", start, err)
	}
	s.metrics.bytes.Add(ctx, upload.Bytes)
	s.record(req, protocol.JobEvent{Kind: protocol.KindUploaded, Bytes: upload.Bytes, Attempt: upload.Attempts})

	jobID, err := relay.CreateJob(ctx, upload.Reference, req.Options)
	if err != nil {
		return s.fail(ctx, span, logger, req, "", start, err)
	}
	span.SetAttributes(attribute.String("job.id", string(jobID)))
	s.record(req, protocol.JobEvent{JobID: string(jobID), Kind: protocol.KindCreated})
	logger.Info("transcription job created", slog.String("job_id", string(jobID)))

	poller := NewPoller(s.provider, s.pollerCfg, logger)
	var lastStatus JobStatus
	poller.OnStatus(func(attempt int, state JobState) {
		if state.Status == lastStatus {
			return
		}
		lastStatus = state.Status
		s.record(req, protocol.JobEvent{JobID: string(jobID), Kind: protocol.KindStatus, Status: string(state.Status), Attempt: attempt})
	})

	transcript, err := poller.Await(ctx, jobID)
	if err != nil {
		return s.fail(ctx, span, logger, req, jobID, start, err)
	}

	elapsed := time.Since(start)
	s.metrics.observe(ctx, "completed", elapsed, transcript.Attempts)
	s.record(req, protocol.JobEvent{
		JobID:      string(jobID),
		Kind:       protocol.KindCompleted,
		Attempt:    transcript.Attempts,
		TextLength: len(transcript.Text),
	})
	logger.Info("transcription completed",
		slog.String("job_id", string(jobID)),
		slog.Int("attempts", transcript.Attempts),
		slog.Int("text_length", len(transcript.Text)),
		slog.Duration("elapsed", elapsed),
	)
	return TranscriptResult{
		RequestID: req.ID,
		JobID:     jobID,
		Text:      transcript.Text,
		Bytes:     upload.Bytes,
		Attempts:  transcript.Attempts,
		Elapsed:   elapsed,
	}, nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, logger *slog.Logger, req Request, jobID JobID, start time.Time, err error) (TranscriptResult, error) {
	outcome := outcomeOf(err)
	stage := StageOf(err)
	s.metrics.observe(ctx, outcome, time.Since(start), attemptsOf(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	s.record(req, protocol.JobEvent{
		JobID:   string(jobID),
		Kind:    protocol.KindFailed,
		Stage:   string(stage),
		Message: err.Error(),
	})
	if outcome == "canceled" {
		logger.Info("transcription abandoned by caller", slog.String("job_id", string(jobID)), slogError(err))
	} else {
		logger.Warn("transcription failed",
			slog.String("job_id", string(jobID)),
			slog.String("stage", string(stage)),
			slogError(err),
		)
	}
	return TranscriptResult{RequestID: req.ID, JobID: jobID}, err
}

// record mirrors an event into the event store and onto the bus. It uses a
// fresh context so failures are still recorded after the caller is gone.
func (s *Service) record(req Request, evt protocol.JobEvent) {
	evt.RequestID = req.ID
	evt.Timestamp = time.Now().UTC()
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal job event", slogError(err))
		return
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if evt.Kind == protocol.KindReceived {
			if err := s.store.AppendRequest(ctx, req.ID, req.Client, s.privacy); err != nil {
				s.logger.Warn("failed to record request", slogError(err))
			}
		}
		err := s.store.AppendEvent(ctx, eventstore.Event{
			RequestID: req.ID,
			JobID:     evt.JobID,
			Type:      eventTypes[evt.Kind],
			Payload:   data,
			Privacy:   s.privacy,
			CreatedAt: evt.Timestamp,
		})
		if err != nil {
			s.logger.Warn("failed to record job event", slog.String("type", eventTypes[evt.Kind]), slogError(err))
		}
	}
	if s.bus != nil {
		if err := s.bus.Publish(protocol.SubjectForKind(evt.Kind), data); err != nil {
			s.logger.Warn("failed to publish job event", slogError(err))
		}
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	switch StageOf(err) {
	case StageUpload:
		return "upload_error"
	case StageCreateJob:
		return "job_creation_error"
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return "timeout"
	}
	var transcriptionErr *TranscriptionError
	if errors.As(err, &transcriptionErr) {
		return "transcription_error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

func attemptsOf(err error) int {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Attempts
	}
	return 0
}

type serviceMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	attempts metric.Int64Histogram
	bytes    metric.Int64Counter
}

func newServiceMetrics(meter metric.Meter) (*serviceMetrics, error) {
	requests, err := meter.Int64Counter("loqa.transcribe.requests",
		metric.WithDescription("Transcription requests by outcome"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("loqa.transcribe.duration",
		metric.WithDescription("Time from request to terminal outcome"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Histogram("loqa.transcribe.poll.attempts",
		metric.WithDescription("Status queries per job"),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter("loqa.transcribe.upload.bytes",
		metric.WithDescription("Audio bytes relayed to the provider"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &serviceMetrics{requests: requests, duration: duration, attempts: attempts, bytes: bytes}, nil
}

func (m *serviceMetrics) observe(ctx context.Context, outcome string, elapsed time.Duration, attempts int) {
	// ctx may already be cancelled; metric recording does not depend on it.
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if attempts > 0 {
		m.attempts.Record(ctx, int64(attempts), attrs)
	}
}
