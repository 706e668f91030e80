package models

import (
	"time"

	"gorm.io/datatypes"
)

// Checkpoint is the persisted output of one completed stage of a job.
type Checkpoint struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	JobID      string         `gorm:"size:36;uniqueIndex:idx_checkpoint_stage" json:"job_id"`
	StageIndex int            `gorm:"uniqueIndex:idx_checkpoint_stage" json:"stage_index"`
	StageName  string         `gorm:"size:128" json:"stage_name"`
	DataRef    string         `json:"data_ref"`
	SizeBytes  int64          `json:"size_bytes"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureGeneration FailureKind = "generation_error"
	FailureStale      FailureKind = "stale_execution"
)

// FailureDiagnostic is the snapshot written when a job fails.
type FailureDiagnostic struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	JobID            string         `gorm:"size:36;index" json:"job_id"`
	Kind             FailureKind    `gorm:"size:32" json:"kind"`
	StageIndex       *int           `json:"stage_index,omitempty"`
	StageName        string         `json:"stage_name,omitempty"`
	ErrorMessage     string         `json:"error_message"`
	BackendError     string         `json:"backend_error,omitempty"`
	NodeID           string         `gorm:"size:64" json:"node_id,omitempty"`
	GPUMemoryUsedMB  *int64         `json:"gpu_memory_used_mb,omitempty"`
	GPUMemoryTotalMB *int64         `json:"gpu_memory_total_mb,omitempty"`
	InputState       datatypes.JSON `json:"input_state,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
