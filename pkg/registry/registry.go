package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/store"
)

// Registry owns worker lifecycle: registration, approval, heartbeats,
// draining, decommissioning and eligibility for dispatch.
type Registry struct {
	workers *store.WorkerStore
	jobs    *store.JobStore

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	onLost           LostJobHandler
}

// LostJobHandler is told about the in-flight job of a worker that went Offline.
type LostJobHandler func(ctx context.Context, worker models.Worker, job models.Job)

// RegisterRequest is what a worker reports about itself.
type RegisterRequest struct {
	Name        string   `json:"name" binding:"required"`
	Hostname    string   `json:"hostname"`
	IPAddress   string   `json:"ip_address"`
	GPUModel    string   `json:"gpu_model"`
	GPUCount    int      `json:"gpu_count"`
	VRAMTotalMB int64    `json:"vram_total_mb"`
	JobTypes    []string `json:"job_types"`
	InstanceID  string   `json:"instance_id"`
}

// NewRegistry creates a worker registry.
func NewRegistry(workers *store.WorkerStore, jobs *store.JobStore, heartbeatTimeout, sweepInterval time.Duration) *Registry {
	return &Registry{
		workers:          workers,
		jobs:             jobs,
		heartbeatTimeout: heartbeatTimeout,
		sweepInterval:    sweepInterval,
	}
}

// OnLostJob sets the handler invoked for jobs stranded on Offline workers.
func (r *Registry) OnLostJob(h LostJobHandler) {
	r.onLost = h
}

// Register creates a worker awaiting approval. Registering an existing
// name returns the existing worker with its details refreshed.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.Worker, error) {
	if req.Name == "" {
		return nil, errors.New("worker name is required")
	}

	if existing, err := r.workers.GetByName(ctx, req.Name); err == nil {
		updates := map[string]interface{}{
			"hostname":      req.Hostname,
			"ip_address":    req.IPAddress,
			"gpu_model":     req.GPUModel,
			"gpu_count":     req.GPUCount,
			"vram_total_mb": req.VRAMTotalMB,
		}
		if err := r.workers.Update(ctx, existing.ID, updates); err != nil {
			return nil, err
		}
		log.Printf("🧩 Worker re-registered: %s (%s)", existing.Name, existing.ID)
		return r.workers.Get(ctx, existing.ID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	w := &models.Worker{
		Name:        req.Name,
		Hostname:    req.Hostname,
		IPAddress:   req.IPAddress,
		GPUModel:    req.GPUModel,
		GPUCount:    req.GPUCount,
		VRAMTotalMB: req.VRAMTotalMB,
		JobTypes:    req.JobTypes,
		Status:      models.WorkerPendingApproval,
		IsEnabled:   true,
	}
	if req.InstanceID != "" {
		id := req.InstanceID
		w.InstanceID = &id
	}
	if err := r.workers.Create(ctx, w); err != nil {
		return nil, err
	}

	log.Printf("🧩 Worker registered: %s (%s, gpu: %s) awaiting approval", w.Name, w.ID, w.GPUModel)
	return w, nil
}

// Approve admits a pending worker to the pool.
func (r *Registry) Approve(ctx context.Context, id string) (*models.Worker, error) {
	w, err := r.workers.Transition(ctx, id,
		[]models.WorkerStatus{models.WorkerPendingApproval},
		models.WorkerIdle, "approved",
		map[string]interface{}{"is_approved": true})
	if err != nil {
		return nil, err
	}
	log.Printf("✅ Worker %s approved", w.Name)
	return w, nil
}

// Drain stops new assignments. A worker with no job goes straight on to
// Decommissioned; a busy one finishes its job first.
func (r *Registry) Drain(ctx context.Context, id string) (*models.Worker, error) {
	w, err := r.workers.Transition(ctx, id,
		[]models.WorkerStatus{models.WorkerIdle, models.WorkerBusy, models.WorkerOffline},
		models.WorkerDraining, "drain requested", nil)
	if err != nil {
		return nil, err
	}
	log.Printf("🚰 Worker %s draining", w.Name)

	if w.CurrentJobID == nil {
		return r.Decommission(ctx, id)
	}
	return w, nil
}

// Decommission retires a worker permanently. Busy workers must be drained.
func (r *Registry) Decommission(ctx context.Context, id string) (*models.Worker, error) {
	current, err := r.workers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.CurrentJobID != nil {
		return nil, &models.TransitionError{Entity: "worker", ID: id, From: string(current.Status), To: string(models.WorkerDecommissioned)}
	}

	w, err := r.workers.Transition(ctx, id,
		[]models.WorkerStatus{models.WorkerIdle, models.WorkerDraining, models.WorkerOffline},
		models.WorkerDecommissioned, "decommissioned",
		map[string]interface{}{"decommissioned_at": time.Now().UTC(), "is_enabled": false})
	if err != nil {
		return nil, err
	}
	log.Printf("🪦 Worker %s decommissioned", w.Name)
	return w, nil
}

// SetEnabled toggles admin enablement without changing status.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*models.Worker, error) {
	if err := r.workers.Update(ctx, id, map[string]interface{}{"is_enabled": enabled}); err != nil {
		return nil, err
	}
	return r.workers.Get(ctx, id)
}

// RecordHeartbeat updates liveness; an Offline worker comes back Idle.
func (r *Registry) RecordHeartbeat(ctx context.Context, id string) (*models.Worker, error) {
	w, err := r.workers.Heartbeat(ctx, id, time.Now())
	if err != nil || w.Status != models.WorkerOffline {
		return w, err
	}

	// still holding the job it had when it went Offline
	job, err := r.jobs.InFlightForWorker(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return w, nil
		}
		return nil, err
	}
	if r.onLost == nil {
		log.Printf("[REGISTRY] worker %s stays OFFLINE until job %s settles", w.Name, job.ID)
		return w, nil
	}
	log.Printf("[REGISTRY] worker %s is back but still holds job %s, settling it first", w.Name, job.ID)
	r.onLost(ctx, *w, *job)
	return r.workers.Heartbeat(ctx, id, time.Now())
}

// FindEligible returns an approved, enabled, Idle worker that accepts
// jobType, preferring the one with the oldest heartbeat. Workers in
// exclude are skipped. It returns ErrWorkerUnavailable when none match.
func (r *Registry) FindEligible(ctx context.Context, jobType string, exclude map[string]bool) (*models.Worker, error) {
	idle, err := r.workers.ListIdle(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle workers: %w", err)
	}
	for i := range idle {
		w := idle[i]
		if exclude[w.ID] || !w.Accepts(jobType) {
			continue
		}
		return &w, nil
	}
	return nil, models.ErrWorkerUnavailable
}

// HasIdle reports whether any worker outside exclude could take work.
func (r *Registry) HasIdle(ctx context.Context, exclude map[string]bool) (bool, error) {
	idle, err := r.workers.ListIdle(ctx)
	if err != nil {
		return false, err
	}
	for _, w := range idle {
		if !exclude[w.ID] {
			return true, nil
		}
	}
	return false, nil
}

// Get loads a worker.
func (r *Registry) Get(ctx context.Context, id string) (*models.Worker, error) {
	return r.workers.Get(ctx, id)
}

// List returns workers, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status models.WorkerStatus) ([]models.Worker, error) {
	return r.workers.List(ctx, status)
}

// HealthLog returns a worker's transition history.
func (r *Registry) HealthLog(ctx context.Context, id string) ([]models.WorkerHealthLog, error) {
	if _, err := r.workers.Get(ctx, id); err != nil {
		return nil, err
	}
	return r.workers.HealthLog(ctx, id)
}

// FleetStats counts workers per status.
func (r *Registry) FleetStats(ctx context.Context) (models.FleetStats, error) {
	return r.workers.FleetStats(ctx)
}
