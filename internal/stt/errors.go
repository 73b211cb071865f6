package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageUpload    Stage = "upload"
	StageCreateJob Stage = "create_job"
	StagePoll      Stage = "poll"
)

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: provider returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Op, e.StatusCode, e.Message)
}

// UploadError means the audio never reached the provider.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return "upload: " + e.Err.Error() }
func (e *UploadError) Unwrap() error { return e.Err }

// JobCreationError means the upload succeeded but the provider refused to start a job.
type JobCreationError struct {
	Err error
}

func (e *JobCreationError) Error() string { return "create_job: " + e.Err.Error() }
func (e *JobCreationError) Unwrap() error { return e.Err }

// TranscriptionError carries the provider's reason for a failed job verbatim.
type TranscriptionError struct {
	JobID  JobID
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("poll: job %s failed: %s", e.JobID, e.Reason)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// TimeoutError means the polling budget ran out before the job became terminal.
type TimeoutError struct {
	JobID      JobID
	Attempts   int
	Elapsed    time.Duration
	LastStatus JobStatus
	LastErr    error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("poll: job %s not finished after %d polls (%s), last status %q",
		e.JobID, e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastStatus)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// StageOf reports which pipeline stage produced err, or "" for unknown errors.
func StageOf(err error) Stage {
	var uploadErr *UploadError
	var createErr *JobCreationError
	var transcriptionErr *TranscriptionError
	var timeoutErr *TimeoutError
	switch {
	case errors.As(err, &uploadErr):
		return StageUpload
	case errors.As(err, &createErr):
		return StageCreateJob
	case errors.As(err, &transcriptionErr), errors.As(err, &timeoutErr):
		return StagePoll
	}
	return ""
}

// isTransportError reports failures below HTTP: the request never produced a
// provider response. Cancellation by the caller does not count.
func isTransportError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// isTransientStatusError reports status query failures worth another poll.
func isTransientStatusError(ctx context.Context, err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode == 429 || providerErr.StatusCode >= 500
	}
	return isTransportError(ctx, err)
}

func providerMessage(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Message != "" {
		return providerErr.Message
	}
	return err.Error()
}
