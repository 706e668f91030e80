package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/config"
	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// fakeComfy serves the backend websocket and prompt endpoints.
type fakeComfy struct {
	server *httptest.Server
	frames chan string
}

func newFakeComfy(t *testing.T) *fakeComfy {
	t.Helper()
	fc := &fakeComfy{frames: make(chan string, 16)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}}}}`))

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case f := <-fc.frames:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"prompt_id":"prompt-e2e","number":1}`))
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"devices":[]}`))
	})
	fc.server = httptest.NewServer(mux)
	t.Cleanup(fc.server.Close)
	return fc
}

func testConfig(fc *fakeComfy) *config.Config {
	cfg := config.Default()
	cfg.NodeID = "node-e2e"
	cfg.DB.DSN = "file:" + uuid.New().String() + "?mode=memory&cache=shared&_busy_timeout=5000"
	cfg.Dispatch.Interval = 20 * time.Millisecond
	cfg.Backend.ReconnectBase = 10 * time.Millisecond
	cfg.Backend.ReconnectMax = 50 * time.Millisecond
	cfg.Instances = []config.InstanceSeed{{
		Name:   "comfy-e2e",
		WSURL:  "ws" + strings.TrimPrefix(fc.server.URL, "http"),
		APIURL: fc.server.URL,
	}}
	return cfg
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJobRunsEndToEnd(t *testing.T) {
	fc := newFakeComfy(t)
	ctx := context.Background()

	a, err := New(ctx, testConfig(fc))
	if err != nil {
		t.Fatalf("failed to build app: %v", err)
	}
	defer a.Close()

	inst, err := a.Instances.GetByName(ctx, "comfy-e2e")
	if err != nil {
		t.Fatalf("seeded instance missing: %v", err)
	}

	api := httptest.NewServer(a.Router)
	defer api.Close()
	listener := a.Hub.Connect("observer", false)

	leadCtx, stopLead := context.WithCancel(ctx)
	led := make(chan struct{})
	go func() {
		defer close(led)
		a.Lead(leadCtx)
	}()
	defer func() {
		stopLead()
		<-led
	}()

	waitFor(t, "backend connection", func() bool { return a.Manager.Connected(inst.ID) })

	resp, err := a.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: DispatcherService})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected dispatcher health SERVING while leading, got %v (%v)", resp, err)
	}

	var reg struct {
		WorkerID string `json:"worker_id"`
	}
	if code := postJSON(t, api.URL+"/workers/register", map[string]string{"name": "gpu-e2e", "instance_id": inst.ID}, &reg); code != http.StatusCreated {
		t.Fatalf("register returned %d", code)
	}
	if code := postJSON(t, api.URL+"/workers/"+reg.WorkerID+"/approve", nil, nil); code != http.StatusOK {
		t.Fatalf("approve returned %d", code)
	}

	var sub struct {
		JobID string `json:"job_id"`
	}
	params := map[string]interface{}{"workflow": map[string]interface{}{"3": map[string]string{"class_type": "KSampler"}}}
	if code := postJSON(t, api.URL+"/jobs", map[string]interface{}{"job_type": "txt2img", "parameters": params}, &sub); code != http.StatusCreated {
		t.Fatalf("submit returned %d", code)
	}

	waitFor(t, "job running", func() bool {
		job, err := a.Jobs.Get(ctx, sub.JobID)
		return err == nil && job.Status == models.JobRunning
	})

	fc.frames <- `{"type":"execution_start","data":{"prompt_id":"prompt-e2e"}}`
	fc.frames <- `{"type":"executing","data":{"node":"3","prompt_id":"prompt-e2e"}}`
	fc.frames <- `{"type":"progress","data":{"value":10,"max":20}}`
	fc.frames <- `{"type":"executed","data":{"node":"9","output":{"images":["e2e.png"]},"prompt_id":"prompt-e2e"}}`
	fc.frames <- `{"type":"execution_success","data":{"prompt_id":"prompt-e2e"}}`

	waitFor(t, "job completed", func() bool {
		job, err := a.Jobs.Get(ctx, sub.JobID)
		return err == nil && job.Status == models.JobCompleted
	})

	job, _ := a.Jobs.Get(ctx, sub.JobID)
	if !strings.Contains(string(job.Result), "e2e.png") {
		t.Errorf("expected outputs in result, got %s", job.Result)
	}
	w, _ := a.Registry.Get(ctx, reg.WorkerID)
	if w.Status != models.WorkerIdle {
		t.Errorf("expected worker idle after completion, got %s", w.Status)
	}
	cps, _ := a.Checkpoints.List(ctx, sub.JobID)
	if len(cps) != 1 || cps[0].StageName != "9" {
		t.Errorf("expected one checkpoint for node 9, got %+v", cps)
	}

	var kinds []string
	waitFor(t, "completion notification", func() bool {
		for {
			select {
			case f := <-listener.Send():
				var n hub.Notification
				if json.Unmarshal(f.Data, &n) == nil {
					kinds = append(kinds, n.Type)
					if n.Type == hub.TypeJobCompleted {
						return true
					}
				}
			default:
				return false
			}
		}
	})
	if kinds[0] != hub.TypeJobProgress {
		t.Errorf("expected running status first, got %v", kinds)
	}
}

func TestSeedInstancesIsIdempotent(t *testing.T) {
	fc := newFakeComfy(t)
	ctx := context.Background()
	a, err := New(ctx, testConfig(fc))
	if err != nil {
		t.Fatalf("failed to build app: %v", err)
	}
	defer a.Close()

	if err := a.seedInstances(ctx); err != nil {
		t.Fatalf("second seed failed: %v", err)
	}
	insts, _ := a.Instances.List(ctx)
	if len(insts) != 1 {
		t.Errorf("expected one instance, got %d", len(insts))
	}
	if a.IsLeader() {
		t.Error("node should not lead before Run")
	}
}
