package stt

import (
	"context"
	"time"
)

// Request is one inbound transcription request.
type Request struct {
	ID      string
	Client  string
	Payload AudioPayload
	Options JobOptions
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	RequestID string
	JobID     JobID
	Text      string
	Bytes     int64
	Attempts  int
	Elapsed   time.Duration
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}
