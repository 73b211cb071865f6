package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-transcribe/internal/stt")

// Relay moves audio to the provider and starts a transcription job.
type Relay struct {
	provider   Provider
	maxRetries int
	initial    time.Duration
	logger     *slog.Logger
}

func NewRelay(provider Provider, cfg config.RelayConfig, logger *slog.Logger) *Relay {
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if retries > config.MaxRelayRetries {
		retries = config.MaxRelayRetries
	}
	initial := cfg.RetryInitialInterval()
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &Relay{
		provider:   provider,
		maxRetries: retries,
		initial:    initial,
		logger:     logger.With(slog.String("component", "relay")),
	}
}

// Upload sends the payload to the provider. Transport failures are retried
// only when the payload is replayable, so every attempt carries the full audio.
// Failures are returned as *UploadError.
func (r *Relay) Upload(ctx context.Context, payload AudioPayload) (Upload, error) {
	ctx, span := tracer.Start(ctx, "relay.upload", trace.WithAttributes(
		attribute.String("audio.media_type", payload.MediaType),
		attribute.Int64("audio.size", payload.Size),
	))
	defer span.End()

	var attempts int
	var sent int64
	operation := func() (UploadReference, error) {
		attempts++
		body, err := payload.Open()
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("open audio: %w", err))
		}
		defer body.Close()

		counter := &countingReader{r: body}
		ref, err := r.provider.Upload(ctx, counter, payload.MediaType)
		sent = counter.n
		if err == nil {
			return ref, nil
		}
		if !r.retryable(ctx, payload, err) {
			return "", backoff.Permanent(err)
		}
		r.logger.Warn("upload attempt failed, retrying",
			slog.Int("attempt", attempts),
			slog.Int64("bytes_sent", sent),
			slogError(err),
		)
		return "", err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.MaxInterval = 8 * r.initial

	ref, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.maxRetries+1)),
	)
	span.SetAttributes(attribute.Int("relay.attempts", attempts))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return Upload{Attempts: attempts}, &UploadError{Err: err}
	}
	return Upload{Reference: ref, Bytes: sent, Attempts: attempts}, nil
}

// CreateJob asks the provider to transcribe previously uploaded audio. It is
// never retried; failures are returned as *JobCreationError.
func (r *Relay) CreateJob(ctx context.Context, ref UploadReference, opts JobOptions) (JobID, error) {
	ctx, span := tracer.Start(ctx, "relay.create_job", trace.WithAttributes(
		attribute.String("job.language_code", opts.LanguageCode),
	))
	defer span.End()

	id, err := r.provider.CreateTranscript(ctx, ref, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create job failed")
		return "", &JobCreationError{Err: err}
	}
	span.SetAttributes(attribute.String("job.id", string(id)))
	return id, nil
}

// Submit uploads the payload and creates a job from the resulting reference.
func (r *Relay) Submit(ctx context.Context, payload AudioPayload, opts JobOptions) (JobID, error) {
	upload, err := r.Upload(ctx, payload)
	if err != nil {
		return "", err
	}
	return r.CreateJob(ctx, upload.Reference, opts)
}

func (r *Relay) retryable(ctx context.Context, payload AudioPayload, err error) bool {
	return r.maxRetries > 0 && payload.Replayable() && isTransportError(ctx, err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
