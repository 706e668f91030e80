package relay

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/hub"
)

func testHub() *hub.Hub {
	return hub.New(hub.Config{QueueSize: 8, PingInterval: time.Hour, PongWait: time.Hour})
}

func TestHandleDeliversRemoteNotifications(t *testing.T) {
	h := testHub()
	c := h.Connect("u", false)
	r := New(nil, "node-a", "axon", h)

	remote, _ := json.Marshal(envelope{Origin: "node-b", Notification: &hub.Notification{Type: hub.TypeJobProgress, JobID: "job-1"}})
	own, _ := json.Marshal(envelope{Origin: "node-a", Notification: &hub.Notification{Type: hub.TypeJobProgress, JobID: "job-2"}})

	r.handle("axon:notifications", own)
	r.handle("axon:notifications", remote)
	r.handle("axon:notifications", []byte("{not json"))

	select {
	case f := <-c.Send():
		var n hub.Notification
		json.Unmarshal(f.Data, &n)
		if n.JobID != "job-1" {
			t.Errorf("expected remote notification for job-1, got %s", n.JobID)
		}
	default:
		t.Fatal("expected remote notification delivered")
	}
	select {
	case f := <-c.Send():
		t.Errorf("own notification should not be redelivered: %s", f.Data)
	default:
	}
}

func TestHandleWakeRunsCallback(t *testing.T) {
	r := New(nil, "node-a", "axon", testHub())
	woke := 0
	r.OnWake(func() { woke++ })

	payload, _ := json.Marshal(envelope{Origin: "node-b"})
	r.handle("axon:dispatch", payload)

	if woke != 1 {
		t.Errorf("expected wake callback once, got %d", woke)
	}
}

func TestRelayAcrossNodes(t *testing.T) {
	addr := os.Getenv("AXON_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientA, err := Connect(ctx, addr, 0)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer clientA.Close()
	clientB, err := Connect(ctx, addr, 0)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer clientB.Close()

	prefix := "axon-test-" + time.Now().Format("150405.000")
	hubB := testHub()
	listener := hubB.Connect("u", false)
	a := New(clientA, "node-a", prefix, testHub())
	b := New(clientB, "node-b", prefix, hubB)

	go b.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	a.Notify(ctx, hub.Notification{Type: hub.TypeJobCompleted, JobID: "job-x"})

	select {
	case f := <-listener.Send():
		var n hub.Notification
		json.Unmarshal(f.Data, &n)
		if n.JobID != "job-x" {
			t.Errorf("unexpected notification %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("notification never reached the other node")
	}
}
