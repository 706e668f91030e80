package dashboard

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/registry"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"github.com/gin-gonic/gin"
)

func setup(t *testing.T) (*Dashboard, *gin.Engine, *store.JobStore, *hub.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	reg := registry.NewRegistry(store.NewWorkerStore(db), jobs, time.Minute, time.Minute)
	h := hub.New(hub.Config{QueueSize: 8, PingInterval: time.Hour, PongWait: time.Hour})
	d := New(reg, jobs, h, "node-a", nil)

	router := gin.New()
	d.SetupRoutes(router)
	return d, router, jobs, h
}

func TestStatusPartialRendersCounts(t *testing.T) {
	_, router, jobs, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := jobs.Submit(ctx, &models.Job{JobType: "txt2img"}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/dashboard/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "node-a") || !strings.Contains(body, "Leader") {
		t.Errorf("status panel missing node info: %s", body)
	}
	if !strings.Contains(body, `text-blue-600">3</div>`) {
		t.Errorf("expected 3 pending jobs in panel: %s", body)
	}
}

func TestJobsPartialEscapesFields(t *testing.T) {
	_, router, jobs, _ := setup(t)
	if err := jobs.Submit(context.Background(), &models.Job{JobType: "<script>"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/dashboard/jobs", nil))

	if strings.Contains(w.Body.String(), "<script>") {
		t.Error("job type was not escaped")
	}
	if !strings.Contains(w.Body.String(), "PENDING") {
		t.Errorf("expected pending job in list: %s", w.Body.String())
	}
}

func TestJobsSSERelaysNotifications(t *testing.T) {
	_, router, _, h := setup(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events/jobs")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	h.Publish(hub.Notification{Type: hub.TypeJobProgress, JobID: "job-7", Percent: 55})

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var gotEvent, gotData bool
	timeout := time.After(2 * time.Second)
	for !(gotEvent && gotData) {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended early")
			}
			if line == "event: job_progress" {
				gotEvent = true
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"job_id":"job-7"`) {
				gotData = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for notification (event=%v data=%v)", gotEvent, gotData)
		}
	}
}
