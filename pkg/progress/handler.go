// Package progress applies platform events to jobs, executions and
// instances, and turns them into client notifications.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/broker"
	"github.com/athulya-anil/axon-forge/pkg/checkpoint"
	"github.com/athulya-anil/axon-forge/pkg/events"
	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/metrics"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"github.com/athulya-anil/axon-forge/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
)

// Notifier delivers job notifications to clients.
type Notifier interface {
	Notify(ctx context.Context, n hub.Notification)
}

// Publisher forwards finished jobs downstream.
type Publisher interface {
	Publish(ctx context.Context, ev broker.JobEvent) error
}

// MemoryProbe reports GPU memory of a backend instance.
type MemoryProbe interface {
	MemoryMB(ctx context.Context, instanceID string) (used, total int64, ok bool)
}

// Options wires the optional collaborators of a Handler.
type Options struct {
	Publisher Publisher
	Memory    MemoryProbe
	// ClearOnComplete removes a job's checkpoints once it completes.
	ClearOnComplete bool
	// OnWorkerFreed runs whenever a finished job released its worker.
	OnWorkerFreed func()
}

// Handler is the single consumer of the event stream.
type Handler struct {
	jobs        *store.JobStore
	executions  *store.ExecutionStore
	instances   *store.InstanceStore
	checkpoints *checkpoint.Store
	notify      Notifier
	opts        Options
}

// NewHandler creates a handler.
func NewHandler(jobs *store.JobStore, executions *store.ExecutionStore, instances *store.InstanceStore, checkpoints *checkpoint.Store, notify Notifier, opts Options) *Handler {
	return &Handler{
		jobs:        jobs,
		executions:  executions,
		instances:   instances,
		checkpoints: checkpoints,
		notify:      notify,
		opts:        opts,
	}
}

// Run handles events in arrival order until ctx is done or in is closed.
func (h *Handler) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if err := h.Handle(ctx, ev); err != nil && ctx.Err() == nil {
				log.Printf("⚠️ Failed to handle %s from %s: %v", ev.Name(), ev.Instance(), err)
			}
		}
	}
}

// Handle applies one event. Replaying an event is harmless: progress never
// moves backwards and finished jobs stay finished.
func (h *Handler) Handle(ctx context.Context, ev events.Event) error {
	ctx, span := tracing.StartSpan(ctx, "progress."+ev.Name(), attribute.String("instance.id", ev.Instance()))
	defer span.End()
	metrics.EventsTotal.WithLabelValues(ev.Name()).Inc()

	switch e := ev.(type) {
	case events.InstanceConnected:
		return h.instances.SetStatus(ctx, e.InstanceID, models.InstanceConnected, e.At)
	case events.InstanceDisconnected:
		log.Printf("[PROGRESS] instance %s disconnected: %s", e.InstanceID, e.Reason)
		return h.instances.SetStatus(ctx, e.InstanceID, models.InstanceDisconnected, e.At)
	case events.GenerationProgress:
		return h.onProgress(ctx, e)
	case events.GenerationCompleted:
		return h.onCompleted(ctx, e)
	case events.GenerationError:
		return h.onError(ctx, e)
	case events.GenerationCancelled:
		return h.onCancelled(ctx, e)
	default:
		metrics.EventsIgnoredTotal.WithLabelValues(ev.Name()).Inc()
		return fmt.Errorf("unhandled event %T", ev)
	}
}

func (h *Handler) onProgress(ctx context.Context, e events.GenerationProgress) error {
	if err := h.executions.Touch(ctx, e.PromptID, e.Percent, e.CurrentNode); err != nil {
		log.Printf("⚠️ Failed to touch execution %s: %v", e.PromptID, err)
	}

	if e.Stage != nil && h.checkpoints != nil {
		if _, err := h.checkpoints.WriteStage(ctx, e.JobID, e.Stage.Index, e.Stage.Name, e.Stage.Output); err != nil {
			log.Printf("⚠️ Failed to checkpoint stage %d of job %s: %v", e.Stage.Index, e.JobID, err)
		}
	}

	applied, err := h.jobs.UpdateProgress(ctx, e.JobID, store.ProgressUpdate{
		Percent: e.Percent,
		Message: e.Message,
		Node:    e.CurrentNode,
	})
	if err != nil {
		return err
	}
	if !applied {
		metrics.EventsIgnoredTotal.WithLabelValues(e.Name()).Inc()
		return nil
	}

	h.publish(ctx, hub.Notification{
		Type:        hub.TypeJobProgress,
		JobID:       e.JobID,
		Percent:     clamp(e.Percent),
		Message:     e.Message,
		CurrentNode: e.CurrentNode,
	})
	return nil
}

func (h *Handler) onCompleted(ctx context.Context, e events.GenerationCompleted) error {
	outputs := datatypes.JSON(e.Outputs)
	if len(outputs) == 0 {
		outputs = datatypes.JSON("{}")
	}
	if err := h.executions.Finish(ctx, e.PromptID, models.ExecutionCompleted, outputs, ""); err != nil {
		log.Printf("⚠️ Failed to finish execution %s: %v", e.PromptID, err)
	}

	job, err := h.jobs.Complete(ctx, e.JobID, outputs)
	if err != nil {
		return h.ignoreSettled(e, err)
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(models.JobCompleted)).Inc()
	log.Printf("✅ Job %s completed", job.ID)

	if h.opts.ClearOnComplete && h.checkpoints != nil {
		if n, err := h.checkpoints.Clear(ctx, job.ID); err != nil {
			log.Printf("⚠️ Failed to clear checkpoints of job %s: %v", job.ID, err)
		} else if n > 0 {
			log.Printf("[PROGRESS] cleared %d checkpoint(s) of job %s", n, job.ID)
		}
	}

	h.publish(ctx, hub.Notification{
		Type:    hub.TypeJobCompleted,
		JobID:   job.ID,
		Status:  job.Status,
		Percent: 100,
		Result:  json.RawMessage(outputs),
	})
	h.forward(ctx, job, json.RawMessage(outputs), "")
	h.workerFreed()
	return nil
}

func (h *Handler) onError(ctx context.Context, e events.GenerationError) error {
	if err := h.executions.Finish(ctx, e.PromptID, models.ExecutionFailed, nil, e.Message); err != nil {
		log.Printf("⚠️ Failed to finish execution %s: %v", e.PromptID, err)
	}

	current, err := h.jobs.Get(ctx, e.JobID)
	if err != nil {
		return err
	}
	if current.Status == models.JobPaused {
		// the interrupt issued by Pause
		log.Printf("[PROGRESS] job %s paused, ignoring backend error: %s", e.JobID, e.Message)
		return h.releasePaused(ctx, e.JobID, "paused job stopped: "+e.Message)
	}

	kind := models.FailureGeneration
	if e.Stale {
		kind = models.FailureStale
	}
	diag := h.diagnostic(ctx, current, kind, e)
	details, _ := json.Marshal(diag)

	job, err := h.jobs.Fail(ctx, e.JobID, e.Message, datatypes.JSON(details))
	if err != nil {
		return h.ignoreSettled(e, err)
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(models.JobFailed)).Inc()
	if e.Stale {
		metrics.StaleExecutionsTotal.Inc()
	}
	log.Printf("❌ Job %s failed: %s", job.ID, e.Message)

	if h.checkpoints != nil {
		if err := h.checkpoints.RecordDiagnostic(ctx, diag); err != nil {
			log.Printf("⚠️ %v", err)
		}
	}

	h.publish(ctx, hub.Notification{
		Type:    hub.TypeJobFailed,
		JobID:   job.ID,
		Status:  job.Status,
		Percent: job.ProgressPercent,
		Error:   e.Message,
	})
	h.forward(ctx, job, nil, e.Message)
	h.workerFreed()
	return nil
}

func (h *Handler) onCancelled(ctx context.Context, e events.GenerationCancelled) error {
	if err := h.executions.Finish(ctx, e.PromptID, models.ExecutionCancelled, nil, e.Reason); err != nil {
		log.Printf("⚠️ Failed to finish execution %s: %v", e.PromptID, err)
	}

	current, err := h.jobs.Get(ctx, e.JobID)
	if err != nil {
		return err
	}
	if current.Status == models.JobPaused {
		log.Printf("[PROGRESS] job %s paused, backend execution stopped", e.JobID)
		return h.releasePaused(ctx, e.JobID, "paused job stopped")
	}

	reason := e.Reason
	if reason == "" {
		reason = "cancelled by backend"
	}
	job, err := h.jobs.Cancel(ctx, e.JobID, reason)
	if err != nil {
		return h.ignoreSettled(e, err)
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(models.JobCancelled)).Inc()
	log.Printf("🚫 Job %s cancelled: %s", job.ID, reason)

	h.publish(ctx, hub.Notification{
		Type:    hub.TypeJobCancelled,
		JobID:   job.ID,
		Status:  job.Status,
		Percent: job.ProgressPercent,
		Message: reason,
	})
	h.forward(ctx, job, nil, reason)
	h.workerFreed()
	return nil
}

// releasePaused gives the worker of a Paused job back to the pool.
func (h *Handler) releasePaused(ctx context.Context, jobID, reason string) error {
	freed, err := h.jobs.DetachWorker(ctx, jobID, reason)
	if err != nil {
		return err
	}
	if freed {
		log.Printf("[PROGRESS] worker of paused job %s released", jobID)
		h.workerFreed()
	}
	return nil
}

// HandleLostJob fails the in-flight job of a worker that stopped sending
// heartbeats. Its registry signature lets it be passed to OnLostJob.
func (h *Handler) HandleLostJob(ctx context.Context, worker models.Worker, job models.Job) {
	msg := fmt.Sprintf("%v: worker %s stopped sending heartbeats", models.ErrStaleExecution, worker.Name)

	if exec, err := h.executions.ActiveForJob(ctx, job.ID); err == nil {
		if err := h.executions.Finish(ctx, exec.PromptID, models.ExecutionFailed, nil, msg); err != nil {
			log.Printf("⚠️ Failed to finish execution %s: %v", exec.PromptID, err)
		}
	}

	lost := events.GenerationError{Message: msg}
	if worker.InstanceID != nil {
		lost.InstanceID = *worker.InstanceID
	}
	diag := h.diagnostic(ctx, &job, models.FailureStale, lost)
	details, _ := json.Marshal(diag)
	failed, err := h.jobs.Fail(ctx, job.ID, msg, datatypes.JSON(details))
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			log.Printf("⚠️ Failed to fail lost job %s: %v", job.ID, err)
		}
		return
	}
	metrics.StaleExecutionsTotal.Inc()
	metrics.JobsFinishedTotal.WithLabelValues(string(models.JobFailed)).Inc()
	log.Printf("💀 Job %s failed: worker %s lost", job.ID, worker.Name)

	if h.checkpoints != nil {
		if err := h.checkpoints.RecordDiagnostic(ctx, diag); err != nil {
			log.Printf("⚠️ %v", err)
		}
	}
	h.publish(ctx, hub.Notification{
		Type:    hub.TypeJobFailed,
		JobID:   failed.ID,
		Status:  failed.Status,
		Percent: failed.ProgressPercent,
		Error:   msg,
	})
	h.forward(ctx, failed, nil, msg)
}

// diagnostic snapshots what is known about a failing job: its last
// checkpointed stage and the backend's memory state.
func (h *Handler) diagnostic(ctx context.Context, job *models.Job, kind models.FailureKind, e events.GenerationError) *models.FailureDiagnostic {
	d := &models.FailureDiagnostic{
		JobID:        job.ID,
		Kind:         kind,
		ErrorMessage: e.Message,
		BackendError: e.ExceptionType,
		NodeID:       e.NodeID,
		InputState:   job.Parameters,
		CreatedAt:    time.Now().UTC(),
	}
	if d.NodeID == "" {
		d.NodeID = job.CurrentNode
	}
	if h.checkpoints != nil {
		if cp, err := h.checkpoints.Latest(ctx, job.ID); err == nil {
			idx := cp.StageIndex
			d.StageIndex = &idx
			d.StageName = cp.StageName
		}
	}
	if h.opts.Memory != nil && e.InstanceID != "" {
		if used, total, ok := h.opts.Memory.MemoryMB(ctx, e.InstanceID); ok {
			d.GPUMemoryUsedMB = &used
			d.GPUMemoryTotalMB = &total
		}
	}
	return d
}

func (h *Handler) ignoreSettled(ev events.Event, err error) error {
	if errors.Is(err, models.ErrInvalidTransition) {
		metrics.EventsIgnoredTotal.WithLabelValues(ev.Name()).Inc()
		log.Printf("[PROGRESS] ignoring %s: %v", ev.Name(), err)
		return nil
	}
	return err
}

func (h *Handler) publish(ctx context.Context, n hub.Notification) {
	if h.notify != nil {
		h.notify.Notify(ctx, n)
	}
}

func (h *Handler) forward(ctx context.Context, job *models.Job, result json.RawMessage, errMsg string) {
	if h.opts.Publisher == nil {
		return
	}
	ev := broker.JobEvent{
		JobID:   job.ID,
		JobType: job.JobType,
		Status:  job.Status,
		Result:  result,
		Error:   errMsg,
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := h.opts.Publisher.Publish(pubCtx, ev); err != nil {
			log.Printf("⚠️ Failed to forward job %s downstream: %v", ev.JobID, err)
		}
	}()
}

func (h *Handler) workerFreed() {
	if h.opts.OnWorkerFreed != nil {
		h.opts.OnWorkerFreed()
	}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
