package comfyui

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/events"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"github.com/gorilla/websocket"
)

const statusFrame = `{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}},"sid":"s"}}`

// fakeBackend serves the websocket and HTTP endpoints of a generation backend.
type fakeBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	frames   chan string
	drop     chan struct{}

	mu       sync.Mutex
	sessions int
	clientID string
	deleted  []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{frames: make(chan string, 32), drop: make(chan struct{}, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fb.serveWS)
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"prompt_id":"prompt-1","number":1}`))
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.deleted = append(fb.deleted, "queue")
		fb.mu.Unlock()
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {})
	fb.server = httptest.NewServer(mux)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	fb.mu.Lock()
	fb.sessions++
	fb.clientID = r.URL.Query().Get("clientId")
	fb.mu.Unlock()

	conn.WriteMessage(websocket.TextMessage, []byte(statusFrame))

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
		case f := <-fb.frames:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		case <-fb.drop:
			return
		case <-closed:
			return
		}
	}
}

func (fb *fakeBackend) instance() models.GenerationInstance {
	return models.GenerationInstance{
		ID:        "inst-1",
		Name:      "fake",
		WSURL:     "ws" + strings.TrimPrefix(fb.server.URL, "http"),
		APIURL:    fb.server.URL,
		IsEnabled: true,
	}
}

func testConfig() Config {
	return Config{
		Backoff:            Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		HandshakeTimeout:   2 * time.Second,
		PingInterval:       time.Second,
		StaleAfter:         time.Hour,
		StaleCheckInterval: time.Hour,
		CancelTimeout:      200 * time.Millisecond,
	}
}

func newTestConnection(t *testing.T, fb *fakeBackend, cfg Config) (*Connection, chan events.Event, *store.InstanceStore) {
	t.Helper()
	c, out, instances, _ := newTestConnectionFor(t, fb.instance(), cfg)
	return c, out, instances
}

func newTestConnectionFor(t *testing.T, inst models.GenerationInstance, cfg Config) (*Connection, chan events.Event, *store.InstanceStore, *store.ExecutionStore) {
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
	instances := store.NewInstanceStore(db)
	if err := instances.Create(context.Background(), &inst); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	executions := store.NewExecutionStore(db)
	out := make(chan events.Event, 64)
	return NewConnection(inst, instances, executions, out, cfg), out, instances, executions
}

func nextEvent(t *testing.T, out <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func runConnection(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConnectionTranslatesFramesInOrder(t *testing.T) {
	fb := newFakeBackend(t)
	c, out, _ := newTestConnection(t, fb, testConfig())
	runConnection(t, c)

	if _, ok := nextEvent(t, out).(events.InstanceConnected); !ok {
		t.Fatalf("expected InstanceConnected first")
	}

	promptID, err := c.Submit(context.Background(), "job-1", []byte(`{"3":{}}`))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if promptID != "prompt-1" {
		t.Fatalf("expected prompt-1, got %s", promptID)
	}

	fb.frames <- `{"type":"execution_start","data":{"prompt_id":"prompt-1"}}`
	fb.frames <- `{"type":"executing","data":{"node":"3","prompt_id":"prompt-1"}}`
	fb.frames <- `this is not json`
	fb.frames <- `{"type":"progress","data":{"value":10,"max":20}}`
	fb.frames <- `{"type":"executed","data":{"node":"9","output":{"images":["out.png"]},"prompt_id":"prompt-1"}}`
	fb.frames <- `{"type":"executing","data":{"node":null,"prompt_id":"prompt-1"}}`

	start := nextEvent(t, out).(events.GenerationProgress)
	if start.JobID != "job-1" || start.Percent != 0 {
		t.Errorf("unexpected start event: %+v", start)
	}
	node := nextEvent(t, out).(events.GenerationProgress)
	if node.CurrentNode != "3" {
		t.Errorf("expected node 3, got %q", node.CurrentNode)
	}
	step := nextEvent(t, out).(events.GenerationProgress)
	if step.Percent != 50 || step.CurrentNode != "3" {
		t.Errorf("expected 50%% on node 3, got %+v", step)
	}
	stage := nextEvent(t, out).(events.GenerationProgress)
	if stage.Stage == nil || stage.Stage.Index != 0 || stage.Percent != 50 {
		t.Errorf("expected stage 0 at 50%%, got %+v", stage)
	}
	done, ok := nextEvent(t, out).(events.GenerationCompleted)
	if !ok {
		t.Fatalf("expected GenerationCompleted")
	}
	if !strings.Contains(string(done.Outputs), "out.png") {
		t.Errorf("expected outputs to carry node output, got %s", done.Outputs)
	}
}

func TestConnectionReconnectsAfterDrop(t *testing.T) {
	fb := newFakeBackend(t)
	c, out, instances := newTestConnection(t, fb, testConfig())
	runConnection(t, c)

	nextEvent(t, out) // connected
	fb.drop <- struct{}{}

	if _, ok := nextEvent(t, out).(events.InstanceDisconnected); !ok {
		t.Fatalf("expected InstanceDisconnected after drop")
	}
	if _, ok := nextEvent(t, out).(events.InstanceConnected); !ok {
		t.Fatalf("expected InstanceConnected after reconnect")
	}

	fb.mu.Lock()
	sessions := fb.sessions
	fb.mu.Unlock()
	if sessions != 2 {
		t.Errorf("expected 2 sessions, got %d", sessions)
	}
	inst, _ := instances.Get(context.Background(), "inst-1")
	if inst.ReconnectAttempts != 0 {
		t.Errorf("expected reconnect attempts reset after handshake, got %d", inst.ReconnectAttempts)
	}
}

func TestConnectionSubmitWhenDisconnected(t *testing.T) {
	fb := newFakeBackend(t)
	c, _, _ := newTestConnection(t, fb, testConfig())

	_, err := c.Submit(context.Background(), "job-1", []byte(`{}`))
	if !errors.Is(err, models.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectionReportsStaleExecution(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := testConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	cfg.StaleCheckInterval = 20 * time.Millisecond
	c, out, _ := newTestConnection(t, fb, cfg)
	runConnection(t, c)

	nextEvent(t, out)
	if _, err := c.Submit(context.Background(), "job-1", []byte(`{}`)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	ev, ok := nextEvent(t, out).(events.GenerationError)
	if !ok {
		t.Fatalf("expected GenerationError for silent execution")
	}
	if !ev.Stale || ev.JobID != "job-1" {
		t.Errorf("expected stale error for job-1, got %+v", ev)
	}
}

func TestConnectionCancelTimesOutIntoCancelled(t *testing.T) {
	fb := newFakeBackend(t)
	c, out, _ := newTestConnection(t, fb, testConfig())
	runConnection(t, c)

	nextEvent(t, out)
	promptID, err := c.Submit(context.Background(), "job-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := c.Cancel(context.Background(), promptID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	ev, ok := nextEvent(t, out).(events.GenerationCancelled)
	if !ok {
		t.Fatalf("expected GenerationCancelled")
	}
	if ev.JobID != "job-1" {
		t.Errorf("expected job-1, got %s", ev.JobID)
	}
}

func TestConnectionReportsStaleExecutionWhileUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	cfg.StaleCheckInterval = 20 * time.Millisecond
	inst := models.GenerationInstance{
		ID:        "inst-down",
		Name:      "down",
		WSURL:     "ws://127.0.0.1:1",
		APIURL:    "http://127.0.0.1:1",
		IsEnabled: true,
	}
	c, out, _, executions := newTestConnectionFor(t, inst, cfg)
	if _, err := executions.Create(context.Background(), inst.ID, "job-3", "prompt-3"); err != nil {
		t.Fatalf("failed to seed execution: %v", err)
	}
	runConnection(t, c)

	ev, ok := nextEvent(t, out).(events.GenerationError)
	if !ok {
		t.Fatalf("expected GenerationError for execution on unreachable backend")
	}
	if !ev.Stale || ev.JobID != "job-3" || ev.PromptID != "prompt-3" {
		t.Errorf("expected stale error for job-3, got %+v", ev)
	}
	if c.Connected() {
		t.Error("connection to an unreachable backend reports connected")
	}
}

func TestConnectionResumesStageNumberingAfterRestart(t *testing.T) {
	fb := newFakeBackend(t)
	c, out, _, executions := newTestConnectionFor(t, fb.instance(), testConfig())
	ctx := context.Background()

	// a previous process already checkpointed stage 0 of this prompt
	if _, err := executions.Create(ctx, "inst-1", "job-1", "prompt-1"); err != nil {
		t.Fatalf("failed to seed execution: %v", err)
	}
	if err := executions.RecordStages(ctx, "prompt-1", 1, []byte(`{"4":{"images":["first.png"]}}`)); err != nil {
		t.Fatalf("failed to record stage: %v", err)
	}
	runConnection(t, c)

	if _, ok := nextEvent(t, out).(events.InstanceConnected); !ok {
		t.Fatalf("expected InstanceConnected first")
	}
	fb.frames <- `{"type":"executed","data":{"node":"9","output":{"images":["second.png"]},"prompt_id":"prompt-1"}}`
	fb.frames <- `{"type":"execution_success","data":{"prompt_id":"prompt-1"}}`

	stage := nextEvent(t, out).(events.GenerationProgress)
	if stage.Stage == nil || stage.Stage.Index != 1 {
		t.Fatalf("expected stage index 1 after restart, got %+v", stage.Stage)
	}
	done, ok := nextEvent(t, out).(events.GenerationCompleted)
	if !ok {
		t.Fatalf("expected GenerationCompleted")
	}
	if !strings.Contains(string(done.Outputs), "first.png") || !strings.Contains(string(done.Outputs), "second.png") {
		t.Errorf("expected outputs from before and after the restart, got %s", done.Outputs)
	}
	e, err := executions.FindByPrompt(ctx, "prompt-1")
	if err != nil {
		t.Fatalf("execution missing: %v", err)
	}
	if e.StageCount != 2 {
		t.Errorf("expected stored stage count 2, got %d", e.StageCount)
	}
}
