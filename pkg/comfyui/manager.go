package comfyui

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/athulya-anil/axon-forge/pkg/events"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/store"
)

// Manager owns one Connection per enabled backend instance and multiplexes
// their events onto a single channel.
type Manager struct {
	instances  *store.InstanceStore
	executions *store.ExecutionStore
	cfg        Config

	events chan events.Event

	mu      sync.RWMutex
	conns   map[string]*Connection
	cancels map[string]context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewManager creates a manager. bufferSize bounds the event channel.
func NewManager(instances *store.InstanceStore, executions *store.ExecutionStore, cfg Config, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Manager{
		instances:  instances,
		executions: executions,
		cfg:        cfg,
		events:     make(chan events.Event, bufferSize),
		conns:      make(map[string]*Connection),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Events is the multiplexed platform event stream.
func (m *Manager) Events() <-chan events.Event {
	return m.events
}

// Start connects to every enabled instance. Connections stop when ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	insts, err := m.instances.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	for _, inst := range insts {
		m.Add(inst)
	}
	log.Printf("[COMFY] managing %d backend instance(s)", len(insts))
	return nil
}

// Add starts a connection for inst if one is not running already. Before
// Start, or after its context ends, Add does nothing; the instance is
// picked up by the next Start.
func (m *Manager) Add(inst models.GenerationInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}
	if _, ok := m.conns[inst.ID]; ok {
		return
	}

	connCtx, cancel := context.WithCancel(m.ctx)
	conn := NewConnection(inst, m.instances, m.executions, m.events, m.cfg)
	m.conns[inst.ID] = conn
	m.cancels[inst.ID] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		conn.Run(connCtx)
		cancel()

		m.mu.Lock()
		if m.conns[inst.ID] == conn {
			delete(m.conns, inst.ID)
			delete(m.cancels, inst.ID)
		}
		m.mu.Unlock()
	}()
}

// Remove stops the connection of an instance.
func (m *Manager) Remove(instanceID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[instanceID]
	delete(m.conns, instanceID)
	delete(m.cancels, instanceID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Connection returns the connection of an instance.
func (m *Manager) Connection(instanceID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[instanceID]
	return c, ok
}

// Connected reports whether the instance has a live session.
func (m *Manager) Connected(instanceID string) bool {
	c, ok := m.Connection(instanceID)
	return ok && c.Connected()
}

// Submit sends job to the backend instance bound to worker.
func (m *Manager) Submit(ctx context.Context, worker models.Worker, job models.Job) (string, error) {
	if worker.InstanceID == nil {
		return "", fmt.Errorf("worker %s has no backend instance: %w", worker.Name, models.ErrNotConnected)
	}
	conn, ok := m.Connection(*worker.InstanceID)
	if !ok {
		return "", fmt.Errorf("instance %s: %w", *worker.InstanceID, models.ErrNotConnected)
	}
	return conn.Submit(ctx, job.ID, Workflow(json.RawMessage(job.Parameters)))
}

// Cancel asks the backend to stop the in-flight execution of jobID, if any.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	exec, err := m.executions.ActiveForJob(ctx, jobID)
	if err != nil {
		return err
	}
	conn, ok := m.Connection(exec.InstanceID)
	if !ok {
		return fmt.Errorf("instance %s: %w", exec.InstanceID, models.ErrNotConnected)
	}
	return conn.Cancel(ctx, exec.PromptID)
}

// MemoryMB reports GPU memory of the instance, when the backend exposes it.
func (m *Manager) MemoryMB(ctx context.Context, instanceID string) (used, total int64, ok bool) {
	conn, found := m.Connection(instanceID)
	if !found {
		return 0, 0, false
	}
	stats, err := conn.API().SystemStats(ctx)
	if err != nil {
		return 0, 0, false
	}
	return stats.MemoryMB()
}

// Wait blocks until every connection has stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Workflow extracts the backend workflow from job parameters. Parameters
// are either the workflow itself or an object with a "workflow" key.
func Workflow(params json.RawMessage) json.RawMessage {
	var wrapper struct {
		Workflow json.RawMessage `json:"workflow"`
	}
	if err := json.Unmarshal(params, &wrapper); err == nil && len(wrapper.Workflow) > 0 {
		return wrapper.Workflow
	}
	return params
}
