package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/metrics"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// assign tries to place one job. It reports whether the job was submitted.
// Expected outcomes (no worker, lost race, rejected submission) are not errors.
func (d *Dispatcher) assign(ctx context.Context, job models.Job, ineligible map[string]bool) (bool, error) {
	for {
		worker, err := d.registry.FindEligible(ctx, job.JobType, ineligible)
		if errors.Is(err, models.ErrWorkerUnavailable) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		err = d.jobs.Claim(ctx, job.ID, worker.ID)
		switch {
		case errors.Is(err, models.ErrClaimConflict):
			metrics.ClaimConflictsTotal.Inc()
			log.Printf("[DISPATCH] job %s already claimed elsewhere, skipping", job.ID)
			return false, nil
		case errors.Is(err, models.ErrWorkerUnavailable):
			// the worker changed state after we looked; try another
			ineligible[worker.ID] = true
			continue
		case err != nil:
			return false, err
		}

		return d.submit(ctx, job, *worker, ineligible), nil
	}
}

func (d *Dispatcher) submit(ctx context.Context, job models.Job, worker models.Worker, ineligible map[string]bool) bool {
	ctx, span := tracing.StartSpan(ctx, "dispatch.submit",
		attribute.String("job.id", job.ID),
		attribute.String("worker.id", worker.ID))
	defer span.End()

	promptID, err := d.backend.Submit(ctx, worker, job)
	if err != nil {
		ineligible[worker.ID] = true
		reason := submissionFailureReason(err)
		metrics.SubmissionFailuresTotal.WithLabelValues(reason).Inc()
		span.RecordError(err)
		log.Printf("❌ Failed to submit job %s to worker %s: %v", job.ID, worker.Name, err)

		if _, relErr := d.jobs.Release(ctx, job.ID, fmt.Sprintf("submission failed: %v", err)); relErr != nil {
			log.Printf("⚠️ Failed to release job %s: %v", job.ID, relErr)
		}
		return false
	}

	running, err := d.jobs.MarkRunning(ctx, job.ID)
	if err != nil {
		// cancelled or finished while we were submitting
		log.Printf("⚠️ Job %s changed state during submission: %v", job.ID, err)
		if errors.Is(err, models.ErrInvalidTransition) {
			if current, getErr := d.jobs.Get(ctx, job.ID); getErr == nil && current.Status == models.JobCancelled {
				if cErr := d.backend.Cancel(ctx, job.ID); cErr != nil {
					log.Printf("⚠️ Failed to withdraw cancelled job %s: %v", job.ID, cErr)
				}
			}
		}
		return true
	}

	metrics.JobsDispatchedTotal.Inc()
	log.Printf("✅ Assigned job %s to worker %s (prompt %s)", job.ID, worker.Name, promptID)
	if d.notify != nil {
		d.notify.Notify(ctx, hub.StatusChange(running, "running on "+worker.Name))
	}
	return true
}

func submissionFailureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, models.ErrSubmissionRejected):
		return "rejected"
	case errors.Is(err, models.ErrConnectionLost):
		return "connection_lost"
	}
	return "other"
}
