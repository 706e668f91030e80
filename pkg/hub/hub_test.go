package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPublishReachesEveryClient(t *testing.T) {
	h := New(Config{QueueSize: 4, PingInterval: time.Hour, PongWait: time.Hour})
	a := h.Connect("alice", false)
	b := h.Connect("bob", false)

	h.Publish(Notification{Type: TypeJobProgress, JobID: "job-1", Percent: 40})

	for _, c := range []*Client{a, b} {
		select {
		case f := <-c.Send():
			var n Notification
			if err := json.Unmarshal(f.Data, &n); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if n.JobID != "job-1" || n.Percent != 40 || f.Event != TypeJobProgress {
				t.Errorf("unexpected notification %+v", n)
			}
		default:
			t.Fatalf("client %s received nothing", c.UserID)
		}
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	h := New(Config{QueueSize: 2, PingInterval: time.Hour, PongWait: time.Hour})
	slow := h.Connect("slow", false)
	fast := h.Connect("fast", false)

	for i := 0; i < 3; i++ {
		h.Publish(Notification{Type: TypeJobProgress, JobID: "job-1", Percent: i * 10})
		// fast drains its queue after every publish
		<-fast.Send()
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("expected slow client to be disconnected")
	}
	select {
	case <-fast.Done():
		t.Fatal("fast client should stay connected")
	default:
	}
	if h.Count() != 1 {
		t.Errorf("expected 1 client left, got %d", h.Count())
	}
}

func TestHeartbeatEvictsSilentClients(t *testing.T) {
	h := New(Config{QueueSize: 4, PingInterval: time.Hour, PongWait: 50 * time.Millisecond})
	silent := h.Connect("silent", true)
	alive := h.Connect("alive", true)
	sse := h.Connect("sse", false)

	time.Sleep(80 * time.Millisecond)
	alive.Touch()
	h.Heartbeat()

	select {
	case <-silent.Done():
	default:
		t.Fatal("expected silent client to be evicted")
	}
	for _, c := range []*Client{alive, sse} {
		select {
		case f := <-c.Send():
			if !f.Ping {
				t.Errorf("expected ping frame for %s", c.UserID)
			}
		default:
			t.Errorf("expected %s to be pinged", c.UserID)
		}
	}
}

func TestShutdownClosesClients(t *testing.T) {
	h := New(DefaultConfig())
	c := h.Connect("u", false)
	h.Shutdown()

	select {
	case <-c.Done():
	default:
		t.Fatal("expected client closed on shutdown")
	}
	// disconnecting after shutdown is a no-op
	h.Disconnect(c.ID, "late")
}

func TestServeWSStreamsNotifications(t *testing.T) {
	h := New(Config{QueueSize: 8, PingInterval: time.Hour, PongWait: time.Hour})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=carol"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Count() != 1 {
		t.Fatalf("expected 1 hub client, got %d", h.Count())
	}

	h.Publish(Notification{Type: TypeJobCompleted, JobID: "job-9", Percent: 100})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if n.Type != TypeJobCompleted || n.JobID != "job-9" {
		t.Errorf("unexpected notification %+v", n)
	}

	h.Shutdown()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close frame, got %v", err)
	}
}

func TestClientMessagesKeepWebsocketAlive(t *testing.T) {
	h := New(Config{QueueSize: 8, PingInterval: time.Hour, PongWait: 100 * time.Millisecond})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "dave")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 8; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
	}
	h.Heartbeat()
	if h.Count() != 1 {
		t.Fatalf("expected chatty client to survive the heartbeat, got %d clients", h.Count())
	}

	time.Sleep(150 * time.Millisecond)
	h.Heartbeat()
	if h.Count() != 0 {
		t.Errorf("expected silent client evicted, got %d clients", h.Count())
	}
}
