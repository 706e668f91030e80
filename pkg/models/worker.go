package models

import (
	"time"

	"gorm.io/datatypes"
)

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerPendingApproval WorkerStatus = "PENDING_APPROVAL"
	WorkerIdle            WorkerStatus = "IDLE"
	WorkerBusy            WorkerStatus = "BUSY"
	WorkerDraining        WorkerStatus = "DRAINING"
	WorkerOffline         WorkerStatus = "OFFLINE"
	WorkerDecommissioned  WorkerStatus = "DECOMMISSIONED"
)

// Worker is a GPU node bound to one generation backend instance.
type Worker struct {
	ID               string                      `gorm:"primaryKey;size:36" json:"id"`
	Name             string                      `gorm:"size:128;uniqueIndex" json:"name"`
	Hostname         string                      `gorm:"size:255" json:"hostname"`
	IPAddress        string                      `gorm:"size:64" json:"ip_address,omitempty"`
	GPUModel         string                      `gorm:"size:128" json:"gpu_model,omitempty"`
	GPUCount         int                         `json:"gpu_count"`
	VRAMTotalMB      int64                       `json:"vram_total_mb"`
	JobTypes         datatypes.JSONSlice[string] `json:"job_types,omitempty"` // empty accepts every job type
	InstanceID       *string                     `gorm:"size:36;index" json:"instance_id,omitempty"`
	Status           WorkerStatus                `gorm:"size:24;index" json:"status"`
	IsApproved       bool                        `json:"is_approved"`
	IsEnabled        bool                        `json:"is_enabled"`
	CurrentJobID     *string                     `gorm:"size:36" json:"current_job_id,omitempty"`
	LastHeartbeatAt  *time.Time                  `json:"last_heartbeat_at,omitempty"`
	RegisteredAt     time.Time                   `json:"registered_at"`
	DecommissionedAt *time.Time                  `json:"decommissioned_at,omitempty"`
}

// Accepts reports whether the worker advertises jobType.
func (w *Worker) Accepts(jobType string) bool {
	if len(w.JobTypes) == 0 {
		return true
	}
	for _, t := range w.JobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

// WorkerHealthLog is an append-only record of worker status transitions.
type WorkerHealthLog struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	WorkerID       string       `gorm:"size:36;index" json:"worker_id"`
	FromStatus     WorkerStatus `gorm:"size:24" json:"from_status"`
	ToStatus       WorkerStatus `gorm:"size:24" json:"to_status"`
	Reason         string       `json:"reason,omitempty"`
	TransitionedAt time.Time    `json:"transitioned_at"`
}

// FleetStats summarises worker counts by status.
type FleetStats struct {
	Total          int `json:"total"`
	PendingApprove int `json:"pending_approval"`
	Idle           int `json:"idle"`
	Busy           int `json:"busy"`
	Draining       int `json:"draining"`
	Offline        int `json:"offline"`
	Decommissioned int `json:"decommissioned"`
}
