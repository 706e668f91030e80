// Package relay shares notifications and dispatcher wake-ups between
// platform nodes over Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/redis/go-redis/v9"
)

type envelope struct {
	Origin       string            `json:"origin"`
	Notification *hub.Notification `json:"notification,omitempty"`
}

// Relay publishes local notifications to every node and delivers remote
// ones to the local hub.
type Relay struct {
	client *redis.Client
	nodeID string
	hub    *hub.Hub

	notifyChannel string
	wakeChannel   string

	mu     sync.RWMutex
	onWake func()
}

// Connect opens a Redis client and checks it is reachable.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// New creates a relay. prefix namespaces the channels, e.g. "axon".
func New(client *redis.Client, nodeID, prefix string, h *hub.Hub) *Relay {
	return &Relay{
		client:        client,
		nodeID:        nodeID,
		hub:           h,
		notifyChannel: prefix + ":notifications",
		wakeChannel:   prefix + ":dispatch",
	}
}

// OnWake sets the callback run when any node asks for a dispatch tick.
func (r *Relay) OnWake(f func()) {
	r.mu.Lock()
	r.onWake = f
	r.mu.Unlock()
}

// Notify delivers n locally and publishes it for the other nodes.
func (r *Relay) Notify(ctx context.Context, n hub.Notification) {
	r.hub.Publish(n)

	data, err := json.Marshal(envelope{Origin: r.nodeID, Notification: &n})
	if err != nil {
		log.Printf("⚠️ Failed to encode relayed notification: %v", err)
		return
	}
	if err := r.client.Publish(ctx, r.notifyChannel, data).Err(); err != nil {
		log.Printf("⚠️ Failed to relay notification for job %s: %v", n.JobID, err)
	}
}

// Wake asks the leader, wherever it runs, for a dispatch tick.
func (r *Relay) Wake(ctx context.Context) {
	data, _ := json.Marshal(envelope{Origin: r.nodeID})
	if err := r.client.Publish(ctx, r.wakeChannel, data).Err(); err != nil {
		log.Printf("⚠️ Failed to publish dispatch wake-up: %v", err)
	}
}

// Run subscribes to both channels until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.notifyChannel, r.wakeChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	log.Printf("[RELAY] node %s listening on %s, %s", r.nodeID, r.notifyChannel, r.wakeChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *Relay) handle(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("⚠️ Dropping malformed relay message on %s: %v", channel, err)
		return
	}

	switch channel {
	case r.wakeChannel:
		r.mu.RLock()
		wake := r.onWake
		r.mu.RUnlock()
		if wake != nil {
			wake()
		}
	case r.notifyChannel:
		if env.Origin == r.nodeID || env.Notification == nil {
			return
		}
		r.hub.Publish(*env.Notification)
	}
}
