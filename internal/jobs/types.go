package jobs

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type EnqueueRequest struct {
	Source    string
	DedupeKey string
	Payload   RunPayload
}

// RunPayload names the document a job translates.
type RunPayload struct {
	File   string `json:"file"`
	Output string `json:"output,omitempty"`
	Report string `json:"report,omitempty"`
}

// RunJob is one queued translation run.
type RunJob struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	DedupeKey string     `json:"dedupe_key"`
	Payload   RunPayload `json:"payload"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
