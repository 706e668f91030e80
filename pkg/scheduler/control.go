package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/metrics"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"gorm.io/datatypes"
)

// ErrBadRequest marks invalid submissions.
var ErrBadRequest = errors.New("invalid job request")

// Waker asks a dispatcher on another node for a tick.
type Waker interface {
	Wake(ctx context.Context)
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	JobType    string          `json:"job_type" binding:"required"`
	Priority   int             `json:"priority"`
	Parameters json.RawMessage `json:"parameters"`
}

// Control is the job management surface: submit, cancel, retry, pause,
// resume and history.
type Control struct {
	jobs       *store.JobStore
	backend    Backend
	notify     Notifier
	dispatcher *Dispatcher
	waker      Waker
}

// NewControl creates the control surface. dispatcher and waker may be nil.
func NewControl(jobs *store.JobStore, backend Backend, notify Notifier, dispatcher *Dispatcher, waker Waker) *Control {
	return &Control{jobs: jobs, backend: backend, notify: notify, dispatcher: dispatcher, waker: waker}
}

// Submit creates a Pending job and wakes the dispatcher.
func (c *Control) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.JobType == "" {
		return nil, fmt.Errorf("%w: job_type is required", ErrBadRequest)
	}
	params := req.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if !json.Valid(params) {
		return nil, fmt.Errorf("%w: parameters must be valid JSON", ErrBadRequest)
	}

	job := &models.Job{
		JobType:    req.JobType,
		Priority:   req.Priority,
		Parameters: datatypes.JSON(params),
	}
	if err := c.jobs.Submit(ctx, job); err != nil {
		return nil, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues(job.JobType).Inc()
	log.Printf("📥 Received job %s (priority: %d, type: %s)", job.ID, job.Priority, job.JobType)
	c.wake(ctx)
	return job, nil
}

// Cancel marks the job Cancelled and asks the backend to stop it. The
// store transition is authoritative; the backend cancel is best effort.
func (c *Control) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.jobs.Cancel(ctx, jobID, "cancelled by user")
	if err != nil {
		return nil, err
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(models.JobCancelled)).Inc()
	c.stopBackend(ctx, jobID)
	c.publish(ctx, hub.Notification{Type: hub.TypeJobCancelled, JobID: jobID, Status: job.Status, Percent: job.ProgressPercent})
	c.wake(ctx)
	return job, nil
}

// Retry submits a new job copying a Failed or Cancelled one.
func (c *Control) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.jobs.Retry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(job.JobType).Inc()
	c.wake(ctx)
	return job, nil
}

// Pause stops a Running job without requeueing it.
func (c *Control) Pause(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.jobs.Pause(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.stopBackend(ctx, jobID)
	c.publish(ctx, hub.StatusChange(job, "paused"))
	return job, nil
}

// Resume puts a Paused job back in the queue, possibly for another worker.
func (c *Control) Resume(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.jobs.Resume(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, hub.StatusChange(job, "queued"))
	c.wake(ctx)
	return job, nil
}

// History returns the status transitions of a job, oldest first.
func (c *Control) History(ctx context.Context, jobID string) ([]models.JobTransition, error) {
	if _, err := c.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return c.jobs.Transitions(ctx, jobID)
}

// Get returns a job.
func (c *Control) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return c.jobs.Get(ctx, jobID)
}

// List returns jobs matching f.
func (c *Control) List(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	return c.jobs.List(ctx, f)
}

func (c *Control) stopBackend(ctx context.Context, jobID string) {
	if c.backend == nil {
		return
	}
	if err := c.backend.Cancel(ctx, jobID); err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Printf("⚠️ Backend cancel for job %s failed: %v", jobID, err)
	}
}

func (c *Control) publish(ctx context.Context, n hub.Notification) {
	if c.notify != nil {
		c.notify.Notify(ctx, n)
	}
}

func (c *Control) wake(ctx context.Context) {
	if c.dispatcher != nil {
		c.dispatcher.Trigger()
	}
	if c.waker != nil {
		c.waker.Wake(ctx)
	}
}
