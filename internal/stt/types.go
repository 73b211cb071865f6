package stt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// JobID identifies a provider-side transcription job.
type JobID string

// UploadReference is the opaque URL the provider returns for uploaded audio.
type UploadReference string

// JobStatus is the status field reported by the provider on each poll.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// JobState is a single status response for a job.
type JobState struct {
	ID     JobID
	Status JobStatus
	Text   string
	Error  string
}

// JobOptions are passed along when a job is created.
type JobOptions struct {
	LanguageCode string
}

// Upload is the outcome of a successful upload.
type Upload struct {
	Reference UploadReference
	Bytes     int64
	Attempts  int
}

// Transcript is the terminal, successful result of polling a job.
type Transcript struct {
	JobID    JobID
	Text     string
	Attempts int
	Elapsed  time.Duration
}

// AudioPayload is the audio handed to the relay. A payload built from a
// one-shot stream can be sent once; a replayable payload can be re-opened so a
// retried upload resends every byte.
type AudioPayload struct {
	MediaType string
	Filename  string
	// Size is the payload length in bytes, or -1 when unknown.
	Size int64

	body io.Reader
	open func() (io.ReadCloser, error)
}

// StreamPayload wraps a one-shot reader.
func StreamPayload(r io.Reader, mediaType string, size int64) AudioPayload {
	return AudioPayload{MediaType: mediaType, Size: size, body: r}
}

// ReplayablePayload wraps a function that yields the full payload on every call.
func ReplayablePayload(open func() (io.ReadCloser, error), mediaType string, size int64) AudioPayload {
	return AudioPayload{MediaType: mediaType, Size: size, open: open}
}

// FilePayload builds a replayable payload backed by a file on disk.
func FilePayload(path, mediaType string) (AudioPayload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return AudioPayload{}, fmt.Errorf("stat audio file: %w", err)
	}
	if info.IsDir() {
		return AudioPayload{}, fmt.Errorf("audio path %s is a directory", path)
	}
	p := ReplayablePayload(func() (io.ReadCloser, error) { return os.Open(path) }, mediaType, info.Size())
	p.Filename = info.Name()
	return p, nil
}

// Replayable reports whether the payload can be sent more than once.
func (p AudioPayload) Replayable() bool {
	return p.open != nil
}

// Open returns a reader over the payload.
func (p AudioPayload) Open() (io.ReadCloser, error) {
	if p.open != nil {
		return p.open()
	}
	if p.body == nil {
		return nil, errors.New("audio payload is empty")
	}
	return io.NopCloser(p.body), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
