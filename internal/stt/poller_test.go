package stt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

type scriptedStatus struct {
	responses []func() (JobState, error)
	calls     []time.Time
}

func (s *scriptedStatus) Transcript(_ context.Context, id JobID) (JobState, error) {
	s.calls = append(s.calls, time.Now())
	i := len(s.calls) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i]()
}

func status(st JobStatus) func() (JobState, error) {
	return func() (JobState, error) { return JobState{ID: "job-1", Status: st}, nil }
}

func completed(text string) func() (JobState, error) {
	return func() (JobState, error) { return JobState{ID: "job-1", Status: StatusCompleted, Text: text}, nil }
}

func failing(err error) func() (JobState, error) {
	return func() (JobState, error) { return JobState{}, err }
}

func pollerConfig(interval time.Duration, attempts int, maxWait time.Duration) config.PollerConfig {
	return config.PollerConfig{
		IntervalMS:  int(interval / time.Millisecond),
		MaxAttempts: attempts,
		MaxWaitMS:   int(maxWait / time.Millisecond),
	}
}

func TestPollerCompletesAfterProcessing(t *testing.T) {
	const interval = 20 * time.Millisecond
	source := &scriptedStatus{responses: []func() (JobState, error){
		status(StatusQueued), status(StatusProcessing), status(StatusProcessing),
		completed("Hello from the other side."),
	}}
	poller := NewPoller(source, pollerConfig(interval, 50, time.Minute), newLogger())

	var observed []JobStatus
	poller.OnStatus(func(_ int, state JobState) { observed = append(observed, state.Status) })

	start := time.Now()
	transcript, err := poller.Await(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if transcript.Text != "Hello from the other side." {
		t.Fatalf("text must be returned verbatim, got %q", transcript.Text)
	}
	if len(source.calls) != 4 || transcript.Attempts != 4 {
		t.Fatalf("expected 4 status queries, got %d", len(source.calls))
	}
	if first := source.calls[0].Sub(start); first < interval {
		t.Fatalf("first query came after %s, want >= %s", first, interval)
	}
	for i := 1; i < len(source.calls); i++ {
		if gap := source.calls[i].Sub(source.calls[i-1]); gap < interval {
			t.Fatalf("gap %d was %s, want >= %s", i, gap, interval)
		}
	}
	if len(observed) != 4 || observed[3] != StatusCompleted {
		t.Fatalf("unexpected observed statuses %v", observed)
	}
}

func TestPollerEmptyTranscript(t *testing.T) {
	source := &scriptedStatus{responses: []func() (JobState, error){completed("")}}
	poller := NewPoller(source, pollerConfig(time.Millisecond, 5, time.Minute), newLogger())

	transcript, err := poller.Await(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("empty text is a valid result: %v", err)
	}
	if transcript.Text != "" {
		t.Fatalf("unexpected text %q", transcript.Text)
	}
}

func TestPollerReportsProviderFailureVerbatim(t *testing.T) {
	reason := "Transcoding failed. File does not appear to contain audio."
	source := &scriptedStatus{responses: []func() (JobState, error){
		status(StatusProcessing),
		func() (JobState, error) { return JobState{ID: "job-1", Status: StatusError, Error: reason}, nil },
	}}
	poller := NewPoller(source, pollerConfig(time.Millisecond, 5, time.Minute), newLogger())

	_, err := poller.Await(context.Background(), "job-1")
	var transcriptionErr *TranscriptionError
	if !errors.As(err, &transcriptionErr) {
		t.Fatalf("expected transcription error, got %v", err)
	}
	if transcriptionErr.Reason != reason || transcriptionErr.JobID != "job-1" {
		t.Fatalf("unexpected error %+v", transcriptionErr)
	}
}

func TestPollerAttemptBudget(t *testing.T) {
	source := &scriptedStatus{responses: []func() (JobState, error){status(StatusProcessing)}}
	poller := NewPoller(source, pollerConfig(time.Millisecond, 3, time.Minute), newLogger())

	_, err := poller.Await(context.Background(), "job-1")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if timeoutErr.Attempts != 3 || len(source.calls) != 3 {
		t.Fatalf("expected exactly 3 queries, got %d", len(source.calls))
	}
	if timeoutErr.LastStatus != StatusProcessing {
		t.Fatalf("unexpected last status %q", timeoutErr.LastStatus)
	}
}

func TestPollerWallClockBudget(t *testing.T) {
	source := &scriptedStatus{responses: []func() (JobState, error){status(StatusQueued)}}
	poller := NewPoller(source, pollerConfig(10*time.Millisecond, 10000, 60*time.Millisecond), newLogger())

	_, err := poller.Await(context.Background(), "job-1")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if timeoutErr.Elapsed < 60*time.Millisecond {
		t.Fatalf("gave up too early after %s", timeoutErr.Elapsed)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("budget exhaustion must not look like caller cancellation")
	}
}

func TestPollerCancellation(t *testing.T) {
	source := &scriptedStatus{responses: []func() (JobState, error){status(StatusProcessing)}}
	poller := NewPoller(source, pollerConfig(5*time.Millisecond, 10000, time.Minute), newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := poller.Await(ctx, "job-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Fatal("cancellation must not be reported as a polling timeout")
	}
}

func TestPollerTransientErrorsConsumeAttempts(t *testing.T) {
	source := &scriptedStatus{responses: []func() (JobState, error){
		failing(&ProviderError{Op: "get transcript", StatusCode: 503, Message: "unavailable"}),
		failing(transportFailure()),
		completed("ok"),
	}}
	poller := NewPoller(source, pollerConfig(time.Millisecond, 5, time.Minute), newLogger())

	transcript, err := poller.Await(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if transcript.Attempts != 3 {
		t.Fatalf("expected transient errors to consume attempts, got %d", transcript.Attempts)
	}
}

func TestPollerTransientErrorsExhaustBudget(t *testing.T) {
	source := &scriptedStatus{responses: []func() (JobState, error){
		failing(&ProviderError{Op: "get transcript", StatusCode: 429, Message: "slow down"}),
	}}
	poller := NewPoller(source, pollerConfig(time.Millisecond, 2, time.Minute), newLogger())

	_, err := poller.Await(context.Background(), "job-1")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	var providerErr *ProviderError
	if !errors.As(timeoutErr.LastErr, &providerErr) || providerErr.StatusCode != 429 {
		t.Fatalf("expected last error to be kept, got %v", timeoutErr.LastErr)
	}
}

func TestPollerClientErrorIsFatal(t *testing.T) {
	source := &scriptedStatus{responses: []func() (JobState, error){
		failing(&ProviderError{Op: "get transcript", StatusCode: 404, Message: "Transcript not found"}),
	}}
	poller := NewPoller(source, pollerConfig(time.Millisecond, 5, time.Minute), newLogger())

	_, err := poller.Await(context.Background(), "job-1")
	var transcriptionErr *TranscriptionError
	if !errors.As(err, &transcriptionErr) || transcriptionErr.Reason != "Transcript not found" {
		t.Fatalf("expected transcription error, got %v", err)
	}
	if len(source.calls) != 1 {
		t.Fatalf("expected a single query, got %d", len(source.calls))
	}
}
