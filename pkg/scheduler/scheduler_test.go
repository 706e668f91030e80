package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/registry"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"gorm.io/gorm"
)

type fakeBackend struct {
	mu        sync.Mutex
	rejects   map[string]bool // worker names whose submissions fail
	submitted map[string]string
	cancelled []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rejects: map[string]bool{}, submitted: map[string]string{}}
}

func (f *fakeBackend) Submit(ctx context.Context, worker models.Worker, job models.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejects[worker.Name] {
		return "", fmt.Errorf("backend said no: %w", models.ErrSubmissionRejected)
	}
	f.submitted[job.ID] = worker.ID
	return "prompt-" + job.ID, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type recorder struct {
	mu    sync.Mutex
	items []hub.Notification
}

func (r *recorder) Notify(ctx context.Context, n hub.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

type fixture struct {
	db       *gorm.DB
	jobs     *store.JobStore
	registry *registry.Registry
	backend  *fakeBackend
	notes    *recorder
}

func newFixture(t *testing.T) *fixture {
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
	return &fixture{
		db:       db,
		jobs:     jobs,
		registry: registry.NewRegistry(store.NewWorkerStore(db), jobs, time.Minute, time.Minute),
		backend:  newFakeBackend(),
		notes:    &recorder{},
	}
}

func (f *fixture) dispatcher() *Dispatcher {
	return NewDispatcher(f.jobs, f.registry, f.backend, f.notes, time.Hour, 50)
}

func (f *fixture) worker(t *testing.T, name string) *models.Worker {
	t.Helper()
	ctx := context.Background()
	w, err := f.registry.Register(ctx, registry.RegisterRequest{Name: name})
	if err != nil {
		t.Fatalf("register %s failed: %v", name, err)
	}
	w, err = f.registry.Approve(ctx, w.ID)
	if err != nil {
		t.Fatalf("approve %s failed: %v", name, err)
	}
	time.Sleep(5 * time.Millisecond)
	return w
}

func (f *fixture) submit(t *testing.T, priority int) *models.Job {
	t.Helper()
	job := &models.Job{JobType: "txt2img", Priority: priority}
	if err := f.jobs.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	return job
}

func TestTickDispatchesHighestPriorityFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.worker(t, "gpu-1")
	j1 := f.submit(t, 5)
	j2 := f.submit(t, 10)

	n, err := f.dispatcher().Tick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dispatched job, got %d", n)
	}

	got2, _ := f.jobs.Get(ctx, j2.ID)
	if got2.Status != models.JobRunning || got2.WorkerID == nil || *got2.WorkerID != w.ID {
		t.Errorf("expected J2 running on %s, got %s", w.ID, got2.Status)
	}
	got1, _ := f.jobs.Get(ctx, j1.ID)
	if got1.Status != models.JobPending {
		t.Errorf("expected J1 still pending, got %s", got1.Status)
	}

	worker, _ := f.registry.Get(ctx, w.ID)
	if worker.Status != models.WorkerBusy || worker.CurrentJobID == nil || *worker.CurrentJobID != j2.ID {
		t.Errorf("expected worker busy with J2, got %s", worker.Status)
	}
	if len(f.notes.items) != 1 || f.notes.items[0].Status != models.JobRunning {
		t.Errorf("expected one running notification, got %+v", f.notes.items)
	}
}

func TestRejectedSubmissionReleasesJobAndSkipsWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := f.worker(t, "gpu-bad")
	good := f.worker(t, "gpu-good")
	f.backend.rejects["gpu-bad"] = true

	first := f.submit(t, 10)
	second := f.submit(t, 1)

	n, err := f.dispatcher().Tick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dispatched job, got %d", n)
	}

	j1, _ := f.jobs.Get(ctx, first.ID)
	if j1.Status != models.JobPending || j1.WorkerID != nil {
		t.Errorf("expected rejected job back to pending without worker, got %s", j1.Status)
	}
	if j1.ErrorMessage == "" {
		t.Error("expected submission error recorded on the job")
	}

	j2, _ := f.jobs.Get(ctx, second.ID)
	if j2.Status != models.JobRunning || *j2.WorkerID != good.ID {
		t.Errorf("expected second job running on good worker, got %s", j2.Status)
	}

	w, _ := f.registry.Get(ctx, bad.ID)
	if w.Status != models.WorkerIdle || w.CurrentJobID != nil {
		t.Errorf("expected rejecting worker idle again, got %s", w.Status)
	}
}

func TestTickWithoutWorkersLeavesJobsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, 1)

	n, err := f.dispatcher().Tick(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing dispatched, got %d (%v)", n, err)
	}
	got, _ := f.jobs.Get(ctx, job.ID)
	if got.Status != models.JobPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
}

func TestConcurrentDispatchersNeverDoubleAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.worker(t, fmt.Sprintf("gpu-%d", i))
	}
	for i := 0; i < 8; i++ {
		f.submit(t, i%3)
	}

	var wg sync.WaitGroup
	total := make([]int, 4)
	for i := range total {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := f.dispatcher().Tick(ctx)
			if err != nil {
				t.Errorf("dispatcher %d failed: %v", i, err)
			}
			total[i] = n
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range total {
		sum += n
	}
	if sum != 3 {
		t.Errorf("expected 3 dispatched jobs across dispatchers, got %d", sum)
	}

	running, _ := f.jobs.List(ctx, store.JobFilter{Status: models.JobRunning})
	seen := map[string]bool{}
	for _, j := range running {
		if seen[*j.WorkerID] {
			t.Errorf("worker %s holds two jobs", *j.WorkerID)
		}
		seen[*j.WorkerID] = true
	}
	if len(f.backend.submitted) != 3 {
		t.Errorf("expected 3 backend submissions, got %d", len(f.backend.submitted))
	}
}

func TestControlCancelPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher()
	c := NewControl(f.jobs, f.backend, f.notes, d, nil)

	w := f.worker(t, "gpu-1")
	job, err := c.Submit(ctx, SubmitRequest{JobType: "txt2img", Priority: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := d.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	paused, err := c.Pause(ctx, job.ID)
	if err != nil || paused.Status != models.JobPaused {
		t.Fatalf("pause failed: %v", err)
	}
	held, _ := f.registry.Get(ctx, w.ID)
	if held.Status != models.WorkerBusy {
		t.Errorf("expected paused job to keep its worker busy, got %s", held.Status)
	}

	resumed, err := c.Resume(ctx, job.ID)
	if err != nil || resumed.Status != models.JobPending {
		t.Fatalf("resume failed: %v", err)
	}
	freed, _ := f.registry.Get(ctx, w.ID)
	if freed.Status != models.WorkerIdle {
		t.Errorf("expected worker idle after resume, got %s", freed.Status)
	}

	if _, err := d.Tick(ctx); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	cancelled, err := c.Cancel(ctx, job.ID)
	if err != nil || cancelled.Status != models.JobCancelled {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := c.Cancel(ctx, job.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected second cancel rejected, got %v", err)
	}
	if len(f.backend.cancelled) != 2 {
		t.Errorf("expected backend cancel on pause and cancel, got %v", f.backend.cancelled)
	}

	last := f.notes.items[len(f.notes.items)-1]
	if last.Type != hub.TypeJobCancelled || last.JobID != job.ID {
		t.Errorf("expected cancellation notification last, got %+v", last)
	}
	var statuses []models.JobStatus
	for _, n := range f.notes.items {
		switch n.Type {
		case hub.TypeJobProgress:
			statuses = append(statuses, n.Status)
		case hub.TypeJobCompleted, hub.TypeJobFailed, hub.TypeJobCancelled:
		default:
			t.Errorf("notification type %q is not part of the client protocol", n.Type)
		}
	}
	wantStatuses := []models.JobStatus{models.JobRunning, models.JobPaused, models.JobPending, models.JobRunning}
	if len(statuses) != len(wantStatuses) {
		t.Fatalf("expected status changes %v, got %v", wantStatuses, statuses)
	}
	for i := range wantStatuses {
		if statuses[i] != wantStatuses[i] {
			t.Errorf("status change %d: expected %s, got %s", i, wantStatuses[i], statuses[i])
		}
	}

	history, err := c.History(ctx, job.ID)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	want := []models.JobStatus{models.JobPending, models.JobClaimed, models.JobRunning, models.JobPaused,
		models.JobPending, models.JobClaimed, models.JobRunning, models.JobCancelled}
	if len(history) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(history))
	}
	for i, tr := range history {
		if tr.ToStatus != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], tr.ToStatus)
		}
	}

	retry, err := c.Retry(ctx, job.ID)
	if err != nil || retry.RetryOfJobID == nil || *retry.RetryOfJobID != job.ID {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	f := newFixture(t)
	c := NewControl(f.jobs, nil, nil, nil, nil)

	if _, err := c.Submit(context.Background(), SubmitRequest{}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for missing type, got %v", err)
	}
	if _, err := c.Submit(context.Background(), SubmitRequest{JobType: "x", Parameters: []byte("{oops")}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for bad parameters, got %v", err)
	}
}
