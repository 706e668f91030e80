package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/store"
)

func newTestRegistry(t *testing.T, timeout time.Duration) (*Registry, *store.JobStore) {
	t.Helper()
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	jobs := store.NewJobStore(db)
	return NewRegistry(store.NewWorkerStore(db), jobs, timeout, time.Hour), jobs
}

func approved(t *testing.T, r *Registry, name string) *models.Worker {
	t.Helper()
	ctx := context.Background()
	w, err := r.Register(ctx, RegisterRequest{Name: name, Hostname: name + ".local", GPUModel: "RTX 4090"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	w, err = r.Approve(ctx, w.ID)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	return w
}

func TestRegisterRequiresApproval(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	w, err := r.Register(ctx, RegisterRequest{Name: "gpu-1", Hostname: "gpu-1.local"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if w.Status != models.WorkerPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", w.Status)
	}
	if _, err := r.FindEligible(ctx, "txt2img", nil); !errors.Is(err, models.ErrWorkerUnavailable) {
		t.Fatalf("unapproved worker must not be eligible, got %v", err)
	}

	// decommission requires the worker to have been approved first
	if _, err := r.Decommission(ctx, w.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	again, err := r.Register(ctx, RegisterRequest{Name: "gpu-1", Hostname: "gpu-1b.local"})
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if again.ID != w.ID || again.Hostname != "gpu-1b.local" {
		t.Errorf("expected re-registration to refresh existing worker, got %+v", again)
	}
}

func TestFindEligiblePrefersOldestHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	w1 := approved(t, r, "w1")
	w2 := approved(t, r, "w2")
	r.RecordHeartbeat(ctx, w1.ID)
	time.Sleep(5 * time.Millisecond)
	r.RecordHeartbeat(ctx, w2.ID)

	got, err := r.FindEligible(ctx, "txt2img", nil)
	if err != nil {
		t.Fatalf("find eligible failed: %v", err)
	}
	if got.ID != w1.ID {
		t.Errorf("expected %s (oldest heartbeat), got %s", w1.Name, got.Name)
	}

	got, err = r.FindEligible(ctx, "txt2img", map[string]bool{w1.ID: true})
	if err != nil || got.ID != w2.ID {
		t.Errorf("expected exclusion to pick w2, got %v (%v)", got, err)
	}
}

func TestFindEligibleHonoursJobTypes(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	w, _ := r.Register(ctx, RegisterRequest{Name: "video", JobTypes: []string{"img2vid"}})
	r.Approve(ctx, w.ID)

	if _, err := r.FindEligible(ctx, "txt2img", nil); !errors.Is(err, models.ErrWorkerUnavailable) {
		t.Fatalf("expected no worker for txt2img, got %v", err)
	}
	if got, err := r.FindEligible(ctx, "img2vid", nil); err != nil || got.ID != w.ID {
		t.Fatalf("expected video worker for img2vid, got %v (%v)", got, err)
	}
}

func TestSweepMarksOfflineAndHeartbeatRestoresIdle(t *testing.T) {
	r, jobs := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	w := approved(t, r, "w1")
	r.RecordHeartbeat(ctx, w.ID)

	job := &models.Job{JobType: "txt2img"}
	jobs.Submit(ctx, job)
	if err := jobs.Claim(ctx, job.ID, w.ID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	jobs.MarkRunning(ctx, job.ID)

	var lostJob string
	r.OnLostJob(func(ctx context.Context, worker models.Worker, j models.Job) {
		lostJob = j.ID
		jobs.Fail(ctx, j.ID, "worker lost", nil)
	})

	time.Sleep(100 * time.Millisecond)
	lost, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(lost) != 1 || lost[0].Status != models.WorkerOffline {
		t.Fatalf("expected one offline worker, got %+v", lost)
	}
	if lostJob != job.ID {
		t.Fatalf("expected lost job handler for %s, got %q", job.ID, lostJob)
	}

	back, err := r.RecordHeartbeat(ctx, w.ID)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if back.Status != models.WorkerIdle {
		t.Errorf("expected IDLE after heartbeat, got %s", back.Status)
	}
	failed, _ := jobs.Get(ctx, job.ID)
	if failed.Status != models.JobFailed {
		t.Errorf("expected lost job FAILED, got %s", failed.Status)
	}
}

func TestHeartbeatDuringLostJobHandoffKeepsWorkerExclusive(t *testing.T) {
	r, jobs := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	w := approved(t, r, "w1")
	held := &models.Job{JobType: "txt2img"}
	jobs.Submit(ctx, held)
	if err := jobs.Claim(ctx, held.ID, w.ID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	jobs.MarkRunning(ctx, held.ID)

	// sweep took the worker offline but has not failed its job yet
	if _, err := r.workers.Transition(ctx, w.ID, []models.WorkerStatus{models.WorkerBusy}, models.WorkerOffline, "heartbeat timeout", nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	back, err := r.RecordHeartbeat(ctx, w.ID)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if back.Status != models.WorkerOffline || back.CurrentJobID == nil || *back.CurrentJobID != held.ID {
		t.Fatalf("expected worker to stay OFFLINE holding %s, got %s/%v", held.ID, back.Status, back.CurrentJobID)
	}

	next := &models.Job{JobType: "txt2img"}
	jobs.Submit(ctx, next)
	if _, err := r.FindEligible(ctx, "txt2img", nil); !errors.Is(err, models.ErrWorkerUnavailable) {
		t.Fatalf("expected no eligible worker, got %v", err)
	}
	if err := jobs.Claim(ctx, next.ID, w.ID); !errors.Is(err, models.ErrWorkerUnavailable) {
		t.Fatalf("expected claim on offline worker to fail, got %v", err)
	}

	var settled string
	r.OnLostJob(func(ctx context.Context, worker models.Worker, j models.Job) {
		settled = j.ID
		jobs.Fail(ctx, j.ID, "worker lost", nil)
	})
	back, err = r.RecordHeartbeat(ctx, w.ID)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if settled != held.ID {
		t.Fatalf("expected heartbeat to settle %s, got %q", held.ID, settled)
	}
	if back.Status != models.WorkerIdle || back.CurrentJobID != nil {
		t.Fatalf("expected IDLE with no job after settling, got %s/%v", back.Status, back.CurrentJobID)
	}
	if j, _ := jobs.Get(ctx, held.ID); j.Status != models.JobFailed {
		t.Errorf("expected held job FAILED, got %s", j.Status)
	}
	if j, _ := jobs.Get(ctx, next.ID); j.Status != models.JobPending {
		t.Errorf("expected second job still PENDING, got %s", j.Status)
	}
}

func TestDrainBusyWorkerDecommissionsAfterJob(t *testing.T) {
	r, jobs := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	w := approved(t, r, "w1")
	job := &models.Job{JobType: "txt2img"}
	jobs.Submit(ctx, job)
	jobs.Claim(ctx, job.ID, w.ID)
	jobs.MarkRunning(ctx, job.ID)

	drained, err := r.Drain(ctx, w.ID)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if drained.Status != models.WorkerDraining {
		t.Fatalf("expected DRAINING, got %s", drained.Status)
	}
	if _, err := r.Decommission(ctx, w.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected decommission of busy worker to fail, got %v", err)
	}

	jobs.Complete(ctx, job.ID, nil)
	final, _ := r.Get(ctx, w.ID)
	if final.Status != models.WorkerDecommissioned {
		t.Fatalf("expected DECOMMISSIONED after job, got %s", final.Status)
	}

	log, _ := r.HealthLog(ctx, w.ID)
	want := []models.WorkerStatus{models.WorkerPendingApproval, models.WorkerIdle, models.WorkerBusy, models.WorkerDraining, models.WorkerDecommissioned}
	if len(log) != len(want) {
		t.Fatalf("expected %d health log entries, got %d", len(want), len(log))
	}
	for i, s := range want {
		if log[i].ToStatus != s {
			t.Errorf("entry %d: expected %s, got %s", i, s, log[i].ToStatus)
		}
	}
}

func TestDrainIdleWorkerDecommissionsImmediately(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	w := approved(t, r, "w1")
	got, err := r.Drain(ctx, w.ID)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if got.Status != models.WorkerDecommissioned || got.DecommissionedAt == nil {
		t.Fatalf("expected DECOMMISSIONED, got %s", got.Status)
	}
	if _, err := r.RecordHeartbeat(ctx, w.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected heartbeat from decommissioned worker to be rejected, got %v", err)
	}
}
