package models

import (
	"time"

	"gorm.io/datatypes"
)

// InstanceStatus is the connection state of a generation backend instance.
type InstanceStatus string

const (
	InstanceDisconnected InstanceStatus = "DISCONNECTED"
	InstanceConnected    InstanceStatus = "CONNECTED"
)

// GenerationInstance is one connection target on the generation backend.
type GenerationInstance struct {
	ID                 string         `gorm:"primaryKey;size:36" json:"id"`
	Name               string         `gorm:"size:128;uniqueIndex" json:"name"`
	WSURL              string         `json:"ws_url"`
	APIURL             string         `json:"api_url"`
	Status             InstanceStatus `gorm:"size:16" json:"status"`
	IsEnabled          bool           `json:"is_enabled"`
	ReconnectAttempts  int            `json:"reconnect_attempts"`
	LastConnectedAt    *time.Time     `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time     `json:"last_disconnected_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ExecutionStatus tracks one submitted prompt.
type ExecutionStatus string

const (
	ExecutionSubmitted ExecutionStatus = "SUBMITTED"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// ActiveExecutionStatuses are statuses of executions still in flight.
var ActiveExecutionStatuses = []ExecutionStatus{ExecutionSubmitted, ExecutionRunning}

// GenerationExecution maps a backend prompt id to the job it runs.
type GenerationExecution struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	InstanceID      string          `gorm:"size:36;index" json:"instance_id"`
	JobID           string          `gorm:"size:36;index" json:"job_id"`
	PromptID        string          `gorm:"size:64;uniqueIndex" json:"prompt_id"`
	Status          ExecutionStatus `gorm:"size:16;index" json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	CurrentNode     string          `gorm:"size:64" json:"current_node,omitempty"`
	StageCount      int             `json:"stage_count"`
	Outputs         datatypes.JSON  `json:"outputs,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	LastEventAt     time.Time       `gorm:"index" json:"last_event_at"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}
