package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStore persists jobs. Every status change is a compare-and-set on the
// prior status, so concurrent dispatchers never both win the same job.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a job store on db.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// JobFilter narrows List.
type JobFilter struct {
	Status  models.JobStatus
	JobType string
	Limit   int
}

// ProgressUpdate is one progress observation for a running job.
type ProgressUpdate struct {
	Percent int
	Message string
	Node    string
}

func now() time.Time {
	return time.Now().UTC()
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", entity, id, models.ErrNotFound)
	}
	return err
}

// Submit inserts a new Pending job.
func (s *JobStore) Submit(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if len(job.Parameters) == 0 {
		job.Parameters = datatypes.JSON("{}")
	}
	job.Status = models.JobPending
	job.WorkerID = nil
	job.ProgressPercent = 0
	job.SubmittedAt = now()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		return appendJobTransition(tx, job.ID, "", models.JobPending, "submitted")
	})
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return &job, nil
}

// List returns jobs newest first.
func (s *JobStore) List(ctx context.Context, f JobFilter) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Model(&models.Job{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.JobType != "" {
		q = q.Where("job_type = ?", f.JobType)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var jobs []models.Job
	if err := q.Order("submitted_at DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListPending returns Pending jobs in dispatch order: highest priority
// first, then oldest submission.
func (s *JobStore) ListPending(ctx context.Context, limit int) ([]models.Job, error) {
	q := s.db.WithContext(ctx).
		Where("status = ?", models.JobPending).
		Order("priority DESC").
		Order("submitted_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []models.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Claim moves a Pending job to Claimed on workerID and the worker from Idle
// to Busy in one transaction. ErrClaimConflict means another dispatcher
// won the job; ErrWorkerUnavailable means the worker was no longer Idle.
func (s *JobStore) Claim(ctx context.Context, jobID, workerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := now()
		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, models.JobPending).
			Updates(map[string]interface{}{
				"status":     models.JobClaimed,
				"worker_id":  workerID,
				"claimed_at": ts,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("job %s: %w", jobID, models.ErrClaimConflict)
		}

		res = tx.Model(&models.Worker{}).
			Where("id = ? AND status = ? AND is_approved = ? AND is_enabled = ?", workerID, models.WorkerIdle, true, true).
			Updates(map[string]interface{}{
				"status":         models.WorkerBusy,
				"current_job_id": jobID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("worker %s: %w", workerID, models.ErrWorkerUnavailable)
		}

		if err := appendJobTransition(tx, jobID, models.JobPending, models.JobClaimed, "claimed by "+workerID); err != nil {
			return err
		}
		return appendHealthLog(tx, workerID, models.WorkerIdle, models.WorkerBusy, "assigned job "+jobID)
	})
}

// Release puts a Claimed job back to Pending and frees its worker.
func (s *JobStore) Release(ctx context.Context, jobID, reason string) (*models.Job, error) {
	return s.transition(ctx, jobID, []models.JobStatus{models.JobClaimed}, models.JobPending, reason, map[string]interface{}{
		"claimed_at":    nil,
		"error_message": reason,
	})
}

// MarkRunning records that the backend accepted the job.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string) (*models.Job, error) {
	return s.transition(ctx, jobID, []models.JobStatus{models.JobClaimed}, models.JobRunning, "submitted to backend", map[string]interface{}{
		"started_at":    now(),
		"error_message": "",
	})
}

// UpdateProgress applies a progress observation only if it does not move
// the job backwards. A repeat of the last observation is dropped.
// It reports whether the update was applied.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, p ProgressUpdate) (bool, error) {
	pct := clampPercent(p.Percent)
	updates := map[string]interface{}{"progress_percent": pct}

	where := "progress_percent < ?"
	args := []interface{}{pct}
	var changed []string
	var changedArgs []interface{}
	if p.Node != "" {
		updates["current_node"] = p.Node
		changed = append(changed, "current_node <> ?")
		changedArgs = append(changedArgs, p.Node)
	}
	if p.Message != "" {
		updates["progress_message"] = p.Message
		changed = append(changed, "progress_message <> ?")
		changedArgs = append(changedArgs, p.Message)
	}
	if len(changed) > 0 {
		where += " OR (progress_percent = ? AND (" + strings.Join(changed, " OR ") + "))"
		args = append(args, pct)
		args = append(args, changedArgs...)
	}

	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", jobID, []models.JobStatus{models.JobClaimed, models.JobRunning}).
		Where(where, args...).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update progress for job %s: %w", jobID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete marks the job Completed with its result.
func (s *JobStore) Complete(ctx context.Context, jobID string, result datatypes.JSON) (*models.Job, error) {
	return s.transition(ctx, jobID, []models.JobStatus{models.JobClaimed, models.JobRunning}, models.JobCompleted, "generation completed", map[string]interface{}{
		"result":           result,
		"progress_percent": 100,
		"completed_at":     now(),
	})
}

// Fail marks the job Failed with an error message and diagnostics.
func (s *JobStore) Fail(ctx context.Context, jobID, message string, details datatypes.JSON) (*models.Job, error) {
	return s.transition(ctx, jobID, []models.JobStatus{models.JobClaimed, models.JobRunning, models.JobPaused}, models.JobFailed, message, map[string]interface{}{
		"error_message": message,
		"error_details": details,
		"completed_at":  now(),
	})
}

// Cancel marks any non-terminal job Cancelled.
func (s *JobStore) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	return s.transition(ctx, jobID, []models.JobStatus{models.JobPending, models.JobClaimed, models.JobRunning, models.JobPaused}, models.JobCancelled, reason, map[string]interface{}{
		"completed_at": now(),
	})
}

// Pause stops a Running job. The worker stays assigned until the backend
// confirms the stop (DetachWorker), Resume or Cancel.
func (s *JobStore) Pause(ctx context.Context, jobID string) (*models.Job, error) {
	return s.transition(ctx, jobID, []models.JobStatus{models.JobRunning}, models.JobPaused, "paused", nil)
}

// Resume puts a Paused job back in the queue and frees its worker.
func (s *JobStore) Resume(ctx context.Context, jobID string) (*models.Job, error) {
	return s.transition(ctx, jobID, []models.JobStatus{models.JobPaused}, models.JobPending, "resumed", map[string]interface{}{
		"claimed_at":       nil,
		"started_at":       nil,
		"progress_percent": 0,
		"progress_message": "",
		"current_node":     "",
	})
}

// DetachWorker frees the worker still assigned to a Paused job once the
// backend has stopped its execution. It reports whether a worker was freed.
func (s *JobStore) DetachWorker(ctx context.Context, jobID, reason string) (bool, error) {
	freed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return notFound(err, "job", jobID)
		}
		if job.Status != models.JobPaused || job.WorkerID == nil {
			return nil
		}
		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, models.JobPaused).
			Update("worker_id", nil)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		freed = true
		return freeWorker(tx, *job.WorkerID, jobID, reason)
	})
	return freed, err
}

// Retry submits a fresh Pending copy of a Failed or Cancelled job.
func (s *JobStore) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	orig, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.JobFailed && orig.Status != models.JobCancelled {
		return nil, &models.TransitionError{Entity: "job", ID: jobID, From: string(orig.Status), To: "RETRY"}
	}

	origID := orig.ID
	retry := &models.Job{
		JobType:      orig.JobType,
		Priority:     orig.Priority,
		Parameters:   orig.Parameters,
		RetryOfJobID: &origID,
	}
	if err := s.Submit(ctx, retry); err != nil {
		return nil, err
	}
	log.Printf("🔁 Job %s retried as %s", jobID, retry.ID)
	return retry, nil
}

// Transitions returns the status history of a job, oldest first.
func (s *JobStore) Transitions(ctx context.Context, jobID string) ([]models.JobTransition, error) {
	var out []models.JobTransition
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id ASC").Find(&out).Error
	return out, err
}

// InFlightForWorker returns the job currently holding workerID, if any.
func (s *JobStore) InFlightForWorker(ctx context.Context, workerID string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Where("worker_id = ? AND status IN ?", workerID, []models.JobStatus{models.JobClaimed, models.JobRunning, models.JobPaused}).
		First(&job).Error
	if err != nil {
		return nil, notFound(err, "in-flight job for worker", workerID)
	}
	return &job, nil
}

// CountByStatus returns the number of jobs per status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// transition applies a compare-and-set status change and frees the worker
// when the target status no longer holds one.
func (s *JobStore) transition(ctx context.Context, jobID string, from []models.JobStatus, to models.JobStatus, reason string, updates map[string]interface{}) (*models.Job, error) {
	var out models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return notFound(err, "job", jobID)
		}
		if !hasJobStatus(from, job.Status) {
			return &models.TransitionError{Entity: "job", ID: jobID, From: string(job.Status), To: string(to)}
		}

		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates["status"] = to
		if !to.HoldsWorker() {
			updates["worker_id"] = nil
		}

		res := tx.Model(&models.Job{}).Where("id = ? AND status = ?", jobID, job.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return &models.TransitionError{Entity: "job", ID: jobID, From: string(job.Status), To: string(to)}
		}
		if err := appendJobTransition(tx, jobID, job.Status, to, reason); err != nil {
			return err
		}
		if job.WorkerID != nil && !to.HoldsWorker() {
			if err := freeWorker(tx, *job.WorkerID, jobID, reason); err != nil {
				return err
			}
		}
		return tx.First(&out, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func appendJobTransition(tx *gorm.DB, jobID string, from, to models.JobStatus, reason string) error {
	return tx.Create(&models.JobTransition{
		JobID:      jobID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		At:         now(),
	}).Error
}

func hasJobStatus(set []models.JobStatus, s models.JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
