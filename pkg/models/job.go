package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobClaimed   JobStatus = "CLAIMED"
	JobRunning   JobStatus = "RUNNING"
	JobPaused    JobStatus = "PAUSED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// TerminalJobStatuses never transition again.
var TerminalJobStatuses = []JobStatus{JobCompleted, JobFailed, JobCancelled}

// IsTerminal reports whether s is Completed, Failed or Cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// HoldsWorker reports whether a job in status s references a worker.
func (s JobStatus) HoldsWorker() bool {
	return s == JobClaimed || s == JobRunning || s == JobPaused
}

// Job represents one unit of generation work.
type Job struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	JobType         string         `gorm:"size:64;index" json:"job_type"`
	Status          JobStatus      `gorm:"size:16;index" json:"status"`
	Priority        int            `gorm:"index" json:"priority"`
	WorkerID        *string        `gorm:"size:36;index" json:"worker_id,omitempty"`
	Parameters      datatypes.JSON `json:"parameters"`
	Result          datatypes.JSON `json:"result,omitempty"`
	ProgressPercent int            `json:"progress_percent"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	CurrentNode     string         `gorm:"size:64" json:"current_node,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorDetails    datatypes.JSON `json:"error_details,omitempty"`
	RetryOfJobID    *string        `gorm:"size:36" json:"retry_of_job_id,omitempty"`
	SubmittedAt     time.Time      `gorm:"index" json:"submitted_at"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// JobTransition records one status change of a job.
type JobTransition struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	JobID      string    `gorm:"size:36;index" json:"job_id"`
	FromStatus JobStatus `gorm:"size:16" json:"from_status"`
	ToStatus   JobStatus `gorm:"size:16" json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}
