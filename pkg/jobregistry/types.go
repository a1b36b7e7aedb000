package jobregistry

import "time"

// JobState is the terminal outcome recorded for a job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
	JobStateUnknown JobState = "unknown"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobStateSuccess || s == JobStateFailed
}

// StatusSnapshot is the last observed job status.
type StatusSnapshot struct {
	Message         string  `json:"message"`
	PercentComplete float64 `json:"percent_complete"`
	Completed       bool    `json:"completed"`
	Error           bool    `json:"error"`
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID     string         `json:"job_id"`
	Name      string         `json:"name,omitempty"`
	Type      string         `json:"type"`
	Owner     string         `json:"owner,omitempty"`
	State     JobState       `json:"state"`
	Status    StatusSnapshot `json:"status"`
	CreatedAt time.Time      `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
