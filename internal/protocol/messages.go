package protocol

import "time"

// JobEvent describes one step of a transcription request's lifecycle. It is
// broadcast on the bus; transcript text is never included.
type JobEvent struct {
	RequestID  string    `json:"request_id"`
	JobID      string    `json:"job_id,omitempty"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Message    string    `json:"message,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	TextLength int       `json:"text_length,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	KindReceived  = "received"
	KindUploaded  = "uploaded"
	KindCreated   = "created"
	KindStatus    = "status"
	KindCompleted = "completed"
	KindFailed    = "failed"
)

const SubjectJobPrefix = "transcribe.job"

// SubjectForKind returns the bus subject a JobEvent of the given kind is published on.
func SubjectForKind(kind string) string {
	return SubjectJobPrefix + "." + kind
}
