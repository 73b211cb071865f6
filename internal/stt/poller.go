package stt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StatusSource answers job status queries.
type StatusSource interface {
	Transcript(ctx context.Context, id JobID) (JobState, error)
}

// Poller waits for a job to reach a terminal status. The first query is sent
// one interval after Await is called and consecutive queries are at least one
// interval apart. Waiting is bounded by both an attempt count and a wall-clock
// limit.
type Poller struct {
	source      StatusSource
	interval    time.Duration
	maxAttempts int
	maxWait     time.Duration
	logger      *slog.Logger
	onStatus    func(attempt int, state JobState)
}

func NewPoller(source StatusSource, cfg config.PollerConfig, logger *slog.Logger) *Poller {
	return &Poller{
		source:      source,
		interval:    cfg.Interval(),
		maxAttempts: cfg.MaxAttempts,
		maxWait:     cfg.MaxWait(),
		logger:      logger.With(slog.String("component", "poller")),
	}
}

// OnStatus registers fn to observe every successful status response.
func (p *Poller) OnStatus(fn func(attempt int, state JobState)) {
	p.onStatus = fn
}

// Await blocks until job id completes, fails, exhausts its budget, or ctx is
// cancelled. It returns the transcript text exactly as reported, *TranscriptionError
// for failed jobs, *TimeoutError when the budget runs out, and an error wrapping
// ctx.Err() on cancellation.
func (p *Poller) Await(ctx context.Context, id JobID) (Transcript, error) {
	ctx, span := tracer.Start(ctx, "poller.await", trace.WithAttributes(attribute.String("job.id", string(id))))
	defer span.End()

	start := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, p.maxWait)
	defer cancel()

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	lastStatus := StatusQueued
	var lastErr error
	attempts := 0

	finish := func(err error) (Transcript, error) {
		span.SetAttributes(attribute.Int("poller.attempts", attempts))
		span.RecordError(err)
		span.SetStatus(codes.Error, "await failed")
		return Transcript{}, err
	}
	stopped := func() (Transcript, error) {
		if ctx.Err() != nil {
			return finish(fmt.Errorf("await job %s: %w", id, ctx.Err()))
		}
		return finish(&TimeoutError{JobID: id, Attempts: attempts, Elapsed: time.Since(start), LastStatus: lastStatus, LastErr: lastErr})
	}

	for attempts < p.maxAttempts {
		select {
		case <-pollCtx.Done():
			return stopped()
		case <-timer.C:
		}

		attempts++
		state, err := p.source.Transcript(pollCtx, id)
		if err != nil {
			if pollCtx.Err() != nil {
				return stopped()
			}
			if !isTransientStatusError(pollCtx, err) {
				return finish(&TranscriptionError{JobID: id, Reason: providerMessage(err), Err: err})
			}
			lastErr = err
			p.logger.Warn("status query failed",
				slog.String("job_id", string(id)),
				slog.Int("attempt", attempts),
				slogError(err),
			)
		} else {
			lastErr = nil
			if p.onStatus != nil {
				p.onStatus(attempts, state)
			}
			switch state.Status {
			case StatusCompleted:
				span.SetAttributes(attribute.Int("poller.attempts", attempts))
				return Transcript{JobID: id, Text: state.Text, Attempts: attempts, Elapsed: time.Since(start)}, nil
			case StatusError:
				return finish(&TranscriptionError{JobID: id, Reason: state.Error})
			default:
				lastStatus = state.Status
			}
		}
		timer.Reset(p.interval)
	}
	return finish(&TimeoutError{JobID: id, Attempts: attempts, Elapsed: time.Since(start), LastStatus: lastStatus, LastErr: lastErr})
}
