// Package scheduler runs the dispatch loop that hands Pending jobs to idle
// workers, plus the job control operations clients call.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/metrics"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/registry"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"github.com/athulya-anil/axon-forge/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Backend submits jobs to generation instances and cancels them.
type Backend interface {
	Submit(ctx context.Context, worker models.Worker, job models.Job) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// Notifier delivers job notifications to clients.
type Notifier interface {
	Notify(ctx context.Context, n hub.Notification)
}

// Dispatcher periodically claims Pending jobs for eligible workers and
// submits them to the workers' backends. Several dispatchers may run
// against the same store; the store's conditional claim keeps them from
// assigning a job twice.
type Dispatcher struct {
	jobs     *store.JobStore
	registry *registry.Registry
	backend  Backend
	notify   Notifier

	interval time.Duration
	batch    int
	trigger  chan struct{}
}

// NewDispatcher creates a dispatcher that ticks every interval and looks at
// up to batch pending jobs per tick.
func NewDispatcher(jobs *store.JobStore, reg *registry.Registry, backend Backend, notify Notifier, interval time.Duration, batch int) *Dispatcher {
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		jobs:     jobs,
		registry: reg,
		backend:  backend,
		notify:   notify,
		interval: interval,
		batch:    batch,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger asks for a tick as soon as possible. It never blocks.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("🚀 Dispatcher started (interval %s, batch %d)", d.interval, d.batch)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Dispatcher stopping")
			return
		case <-ticker.C:
		case <-d.trigger:
		}
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Printf("⚠️ Dispatch tick failed: %v", err)
		}
	}
}

// Tick runs one dispatch pass and returns how many jobs were submitted.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.tick")
	defer span.End()
	start := time.Now()
	defer func() { metrics.DispatchTickSeconds.Observe(time.Since(start).Seconds()) }()

	pending, err := d.jobs.ListPending(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// workers that refused or failed a submission sit out the rest of the tick
	ineligible := make(map[string]bool)
	dispatched := 0
	for _, job := range pending {
		if ctx.Err() != nil {
			break
		}
		ok, err := d.assign(ctx, job, ineligible)
		if err != nil {
			return dispatched, err
		}
		if ok {
			dispatched++
		}
	}

	span.SetAttributes(attribute.Int("pending", len(pending)), attribute.Int("dispatched", dispatched))
	return dispatched, nil
}
