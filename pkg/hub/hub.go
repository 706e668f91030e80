// Package hub fans job notifications out to connected clients. Each client
// has a bounded queue; a client that cannot keep up is disconnected rather
// than slowing everyone else down.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/metrics"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/google/uuid"
)

// Notification types. Non-terminal status changes travel as job_progress
// with Status set.
const (
	TypeJobProgress  = "job_progress"
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
	TypeJobCancelled = "job_cancelled"
)

// Notification is a job state change pushed to clients.
type Notification struct {
	Type        string           `json:"type"`
	JobID       string           `json:"job_id"`
	Status      models.JobStatus `json:"status,omitempty"`
	Percent     int              `json:"percent"`
	Message     string           `json:"message,omitempty"`
	CurrentNode string           `json:"current_node,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	At          time.Time        `json:"at"`
}

// StatusChange reports a non-terminal status change of job.
func StatusChange(job *models.Job, message string) Notification {
	return Notification{
		Type:        TypeJobProgress,
		JobID:       job.ID,
		Status:      job.Status,
		Percent:     job.ProgressPercent,
		Message:     message,
		CurrentNode: job.CurrentNode,
	}
}

// Frame is one item in a client queue: a serialized notification or a ping.
type Frame struct {
	Event string
	Data  []byte
	Ping  bool
}

// Client is one connected listener.
type Client struct {
	ID     string
	UserID string

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
	needsPong bool
	lastSeen  atomic.Int64
}

// Send is the client's outbound queue.
func (c *Client) Send() <-chan Frame { return c.send }

// Done is closed when the hub drops the client.
func (c *Client) Done() <-chan struct{} { return c.done }

// Touch records that the client answered a ping.
func (c *Client) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Config tunes queue size and heartbeat.
type Config struct {
	QueueSize    int
	PingInterval time.Duration
	PongWait     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    64,
		PingInterval: 30 * time.Second,
		PongWait:     120 * time.Second,
	}
}

// Hub tracks connected clients.
type Hub struct {
	cfg Config

	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates a hub.
func New(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Hub{cfg: cfg, clients: make(map[string]*Client)}
}

// Connect registers a client. Clients whose transport can answer pings
// should pass needsPong so the heartbeat can evict them when they stop.
func (h *Hub) Connect(userID string, needsPong bool) *Client {
	c := &Client{
		ID:        uuid.New().String(),
		UserID:    userID,
		send:      make(chan Frame, h.cfg.QueueSize),
		done:      make(chan struct{}),
		needsPong: needsPong,
	}
	c.Touch()

	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(n))
	log.Printf("[HUB] client %s connected (user %q, %d total)", c.ID, userID, n)
	return c
}

// Disconnect removes a client and signals its transport to close.
func (h *Hub) Disconnect(id, reason string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	metrics.HubClients.Set(float64(n))
	log.Printf("[HUB] client %s disconnected (%s)", id, reason)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues n for every client. Clients whose queue is full are
// disconnected; Publish never blocks.
func (h *Hub) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	data, err := json.Marshal(n)
	if err != nil {
		log.Printf("⚠️ Failed to encode notification for job %s: %v", n.JobID, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(n.Type).Inc()
	h.broadcast(Frame{Event: n.Type, Data: data}, "slow consumer")
}

func (h *Hub) broadcast(f Frame, dropReason string) {
	var slow []string
	h.mu.RLock()
	for id, c := range h.clients {
		select {
		case c.send <- f:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		metrics.HubClientsDroppedTotal.WithLabelValues("slow").Inc()
		h.Disconnect(id, dropReason)
	}
}

// Run pings clients every ping interval and evicts those that have not
// answered within the pong wait. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Heartbeat evicts unresponsive clients and pings the rest.
func (h *Hub) Heartbeat() {
	cutoff := time.Now().Add(-h.cfg.PongWait).UnixNano()

	var dead []string
	h.mu.RLock()
	for id, c := range h.clients {
		if c.needsPong && c.lastSeen.Load() < cutoff {
			dead = append(dead, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range dead {
		metrics.HubClientsDroppedTotal.WithLabelValues("heartbeat").Inc()
		h.Disconnect(id, "heartbeat timeout")
	}
	h.broadcast(Frame{Ping: true}, "ping queue full")
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	metrics.HubClients.Set(0)
	log.Printf("[HUB] shut down, closed %d client(s)", len(clients))
}

// Notify publishes n to local clients.
func (h *Hub) Notify(_ context.Context, n Notification) {
	h.Publish(n)
}
