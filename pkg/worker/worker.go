// Package worker is the agent that runs next to a generation backend. It
// registers the machine with the platform and keeps it alive with
// heartbeats; the platform does the dispatching.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/comfyui"
)

// Agent represents one worker machine
type Agent struct {
	reg      Registration
	client   *Client
	interval time.Duration
	backoff  comfyui.Backoff
	attempts int // 0 retries forever

	mu       sync.RWMutex
	workerID string
	status   string
}

// NewAgent creates an agent that heartbeats every interval.
func NewAgent(client *Client, reg Registration, interval time.Duration, attempts int) *Agent {
	return &Agent{
		reg:      reg,
		client:   client,
		interval: interval,
		backoff:  comfyui.DefaultBackoff(),
		attempts: attempts,
	}
}

// WorkerID returns the id assigned by the platform, "" before registration.
func (a *Agent) WorkerID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workerID
}

// Status returns the last status the platform reported.
func (a *Agent) Status() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) record(ack *Ack) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.status
	a.workerID = ack.WorkerID
	a.status = ack.Status
	if prev != "" && prev != ack.Status {
		log.Printf("[WORKER] %s status %s -> %s", a.reg.Name, prev, ack.Status)
	}
}

// Run registers and then heartbeats until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.RegisterWithRetry(ctx); err != nil {
		return err
	}
	log.Printf("[WORKER] %s registered as %s (%s)", a.reg.Name, a.WorkerID(), a.Status())

	a.heartbeatLoop(ctx)
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
