package store

import (
	"context"
	"fmt"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkerStore persists workers and their health log.
type WorkerStore struct {
	db *gorm.DB
}

// NewWorkerStore creates a worker store on db.
func NewWorkerStore(db *gorm.DB) *WorkerStore {
	return &WorkerStore{db: db}
}

// Create inserts a new worker.
func (s *WorkerStore) Create(ctx context.Context, w *models.Worker) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	w.RegisteredAt = now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(w).Error; err != nil {
			return fmt.Errorf("failed to insert worker: %w", err)
		}
		return appendHealthLog(tx, w.ID, "", w.Status, "registered")
	})
}

// Get loads a worker by id.
func (s *WorkerStore) Get(ctx context.Context, id string) (*models.Worker, error) {
	var w models.Worker
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "worker", id)
	}
	return &w, nil
}

// GetByName loads a worker by its unique name.
func (s *WorkerStore) GetByName(ctx context.Context, name string) (*models.Worker, error) {
	var w models.Worker
	if err := s.db.WithContext(ctx).First(&w, "name = ?", name).Error; err != nil {
		return nil, notFound(err, "worker", name)
	}
	return &w, nil
}

// List returns every worker, optionally filtered by status.
func (s *WorkerStore) List(ctx context.Context, status models.WorkerStatus) ([]models.Worker, error) {
	q := s.db.WithContext(ctx).Order("registered_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Worker
	return out, q.Find(&out).Error
}

// ListIdle returns approved, enabled, Idle workers. Workers that have gone
// longest without a heartbeat come first; never-seen workers lead.
func (s *WorkerStore) ListIdle(ctx context.Context) ([]models.Worker, error) {
	var out []models.Worker
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_approved = ? AND is_enabled = ?", models.WorkerIdle, true, true).
		Order("last_heartbeat_at IS NOT NULL").
		Order("last_heartbeat_at ASC").
		Order("registered_at ASC").
		Find(&out).Error
	return out, err
}

// Transition moves a worker from one of from to to, appending a health log entry.
func (s *WorkerStore) Transition(ctx context.Context, id string, from []models.WorkerStatus, to models.WorkerStatus, reason string, updates map[string]interface{}) (*models.Worker, error) {
	var out models.Worker
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w models.Worker
		if err := tx.First(&w, "id = ?", id).Error; err != nil {
			return notFound(err, "worker", id)
		}
		if !hasWorkerStatus(from, w.Status) {
			return &models.TransitionError{Entity: "worker", ID: id, From: string(w.Status), To: string(to)}
		}
		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates["status"] = to
		res := tx.Model(&models.Worker{}).Where("id = ? AND status = ?", id, w.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return &models.TransitionError{Entity: "worker", ID: id, From: string(w.Status), To: string(to)}
		}
		if err := appendHealthLog(tx, id, w.Status, to, reason); err != nil {
			return err
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Update writes non-status fields on a worker.
func (s *WorkerStore) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Worker{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("worker %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// Heartbeat records liveness. An Offline worker returns to Idle once no
// Claimed, Running or Paused job references it.
func (s *WorkerStore) Heartbeat(ctx context.Context, id string, at time.Time) (*models.Worker, error) {
	var out models.Worker
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w models.Worker
		if err := tx.First(&w, "id = ?", id).Error; err != nil {
			return notFound(err, "worker", id)
		}
		if w.Status == models.WorkerDecommissioned {
			return &models.TransitionError{Entity: "worker", ID: id, From: string(w.Status), To: "HEARTBEAT"}
		}

		updates := map[string]interface{}{"last_heartbeat_at": at.UTC()}
		revive := false
		if w.Status == models.WorkerOffline {
			// stays Offline until its lost job is settled
			var held int64
			if err := tx.Model(&models.Job{}).
				Where("worker_id = ? AND status IN ?", id, []models.JobStatus{models.JobClaimed, models.JobRunning, models.JobPaused}).
				Count(&held).Error; err != nil {
				return err
			}
			if held == 0 {
				revive = true
				updates["status"] = models.WorkerIdle
				updates["current_job_id"] = nil
			}
		}
		res := tx.Model(&models.Worker{}).Where("id = ? AND status = ?", id, w.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 && revive {
			if err := appendHealthLog(tx, id, models.WorkerOffline, models.WorkerIdle, "heartbeat resumed"); err != nil {
				return err
			}
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListStale returns Idle or Busy workers whose last heartbeat is older than
// cutoff. A worker that never sent one is judged by its registration time.
func (s *WorkerStore) ListStale(ctx context.Context, cutoff time.Time) ([]models.Worker, error) {
	var out []models.Worker
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.WorkerStatus{models.WorkerIdle, models.WorkerBusy}).
		Where("(last_heartbeat_at IS NULL AND registered_at < ?) OR last_heartbeat_at < ?", cutoff.UTC(), cutoff.UTC()).
		Find(&out).Error
	return out, err
}

// HealthLog returns the transition history of a worker, oldest first.
func (s *WorkerStore) HealthLog(ctx context.Context, id string) ([]models.WorkerHealthLog, error) {
	var out []models.WorkerHealthLog
	err := s.db.WithContext(ctx).Where("worker_id = ?", id).Order("id ASC").Find(&out).Error
	return out, err
}

// FleetStats counts workers per status.
func (s *WorkerStore) FleetStats(ctx context.Context) (models.FleetStats, error) {
	var rows []struct {
		Status models.WorkerStatus
		Count  int
	}
	var stats models.FleetStats
	err := s.db.WithContext(ctx).Model(&models.Worker{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case models.WorkerPendingApproval:
			stats.PendingApprove = r.Count
		case models.WorkerIdle:
			stats.Idle = r.Count
		case models.WorkerBusy:
			stats.Busy = r.Count
		case models.WorkerDraining:
			stats.Draining = r.Count
		case models.WorkerOffline:
			stats.Offline = r.Count
		case models.WorkerDecommissioned:
			stats.Decommissioned = r.Count
		}
	}
	return stats, nil
}

// freeWorker detaches jobID from its worker inside tx. Busy goes back to
// Idle, Draining finishes as Decommissioned, anything else only drops the
// job reference.
func freeWorker(tx *gorm.DB, workerID, jobID, reason string) error {
	var w models.Worker
	if err := tx.First(&w, "id = ?", workerID).Error; err != nil {
		return notFound(err, "worker", workerID)
	}

	updates := map[string]interface{}{"current_job_id": nil}
	next := w.Status
	switch w.Status {
	case models.WorkerBusy:
		next = models.WorkerIdle
	case models.WorkerDraining:
		next = models.WorkerDecommissioned
		updates["decommissioned_at"] = now()
		updates["is_enabled"] = false
	}
	updates["status"] = next

	res := tx.Model(&models.Worker{}).
		Where("id = ? AND status = ? AND current_job_id = ?", workerID, w.Status, jobID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 && next != w.Status {
		return appendHealthLog(tx, workerID, w.Status, next, "released job "+jobID+": "+reason)
	}
	return nil
}

func appendHealthLog(tx *gorm.DB, workerID string, from, to models.WorkerStatus, reason string) error {
	return tx.Create(&models.WorkerHealthLog{
		WorkerID:       workerID,
		FromStatus:     from,
		ToStatus:       to,
		Reason:         reason,
		TransitionedAt: now(),
	}).Error
}

func hasWorkerStatus(set []models.WorkerStatus, s models.WorkerStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
