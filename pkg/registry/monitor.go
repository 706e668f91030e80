package registry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/metrics"
	"github.com/athulya-anil/axon-forge/pkg/models"
)

// Monitor sweeps for workers that stopped heartbeating until ctx is done.
func (r *Registry) Monitor(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("⚠️ Worker sweep failed: %v", err)
			}
		}
	}
}

// Sweep marks every Idle or Busy worker past the heartbeat timeout Offline
// and hands its in-flight job to the lost-job handler. It returns the
// workers it took offline.
func (r *Registry) Sweep(ctx context.Context) ([]models.Worker, error) {
	cutoff := time.Now().Add(-r.heartbeatTimeout)
	stale, err := r.workers.ListStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var lost []models.Worker
	for _, w := range stale {
		since := "never"
		if w.LastHeartbeatAt != nil {
			since = time.Since(*w.LastHeartbeatAt).Round(time.Second).String()
		}
		off, err := r.workers.Transition(ctx, w.ID,
			[]models.WorkerStatus{models.WorkerIdle, models.WorkerBusy},
			models.WorkerOffline, "heartbeat timeout", nil)
		if err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				continue // changed under us
			}
			return lost, err
		}
		log.Printf("💀 Worker %s marked OFFLINE (last heartbeat %s ago)", w.Name, since)
		metrics.WorkersLostTotal.Inc()
		lost = append(lost, *off)

		job, err := r.jobs.InFlightForWorker(ctx, w.ID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				log.Printf("⚠️ Failed to look up job on lost worker %s: %v", w.Name, err)
			}
			continue
		}
		if r.onLost != nil {
			r.onLost(ctx, *off, *job)
		}
	}
	return lost, nil
}
