package domain

import "time"

// JobStatus represents the primary pipeline state of a job.
type JobStatus string

const (
	StatusPending               JobStatus = "pending"
	StatusRunning               JobStatus = "running"
	StatusCompleted             JobStatus = "completed"
	StatusCompletedWithWarnings JobStatus = "completed_with_warnings"
	StatusFailed                JobStatus = "failed"
	StatusCancelled             JobStatus = "cancelled"
)

// IsTerminal returns true if no further primary pipeline progress is expected.
// Cancelled is not in the set.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusFailed:
		return true
	}
	return false
}

// AIStatus represents the state of AI post-processing, which can outlive the job.
type AIStatus string

const (
	AIStatusIdle      AIStatus = "idle"
	AIStatusRunning   AIStatus = "running"
	AIStatusCompleted AIStatus = "completed"
	AIStatusFailed    AIStatus = "failed"
)

// Job is a long-running server-side job as reported by the API.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Status    JobStatus `json:"status"`
	AIStatus  AIStatus  `json:"aiStatus,omitempty"`
	Processed int       `json:"processed,omitempty"`
	Total     int       `json:"total,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// IsFinished returns true once both the primary pipeline and the AI tail are done.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal() && j.AIStatus != AIStatusRunning
}
