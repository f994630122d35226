package persistence

import "time"

// RunRecord is one finished run in the history.
type RunRecord struct {
	RunID         string
	JobID         string
	File          string
	Output        string
	StartedAt     time.Time
	FinishedAt    time.Time
	Lines         int
	Candidates    int
	Batches       int
	Translated    int
	FailedBatches int
	FailedLines   int
	ExitCode      int
	// ReportJSON is the full run report as written to the report file.
	ReportJSON string
}

// Duration is the wall time of the run.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
