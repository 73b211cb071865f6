package stt

import (
	"context"
	"fmt"
	"io"
	"time"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that never leaves the process. It
// drains the payload and describes it instead of transcribing.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	start := time.Now()
	body, err := req.Payload.Open()
	if err != nil {
		return TranscriptResult{}, &UploadError{Err: err}
	}
	defer body.Close()

	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return TranscriptResult{}, &UploadError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	language := req.Options.LanguageCode
	if language == "" {
		language = "auto"
	}
	return TranscriptResult{
		RequestID: req.ID,
		JobID:     JobID("mock-" + req.ID),
		Text:      fmt.Sprintf("[mock transcript bytes=%d language=%s]", n, language),
		Bytes:     n,
		Attempts:  1,
		Elapsed:   time.Since(start),
	}, nil
}
