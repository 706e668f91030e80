package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/events"
	"github.com/athulya-anil/axon-forge/pkg/metrics"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config tunes one backend connection.
type Config struct {
	Backoff            Backoff
	HandshakeTimeout   time.Duration
	PingInterval       time.Duration
	StaleAfter         time.Duration
	StaleCheckInterval time.Duration
	CancelTimeout      time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:            DefaultBackoff(),
		HandshakeTimeout:   10 * time.Second,
		PingInterval:       20 * time.Second,
		StaleAfter:         10 * time.Minute,
		StaleCheckInterval: time.Minute,
		CancelTimeout:      15 * time.Second,
	}
}

type promptState struct {
	jobID      string
	percent    int
	node       string
	stageCount int
	outputs    map[string]json.RawMessage
}

func (p *promptState) snapshot() PromptState {
	st := PromptState{JobID: p.jobID, Percent: p.percent, Node: p.node, StageCount: p.stageCount}
	if len(p.outputs) > 0 {
		if raw, err := json.Marshal(p.outputs); err == nil {
			st.Outputs = raw
		}
	}
	return st
}

// Connection is the long-lived link to one backend instance. It keeps the
// event socket open across drops, submits prompts over HTTP and turns
// backend frames into platform events on out.
type Connection struct {
	inst       models.GenerationInstance
	api        *APIClient
	instances  *store.InstanceStore
	executions *store.ExecutionStore
	out        chan<- events.Event
	cfg        Config
	dialer     *websocket.Dialer

	mu        sync.Mutex
	runCtx    context.Context
	connected bool
	clientID  string
	active    string
	prompts   map[string]*promptState
	cancels   map[string]*time.Timer

	// held across submit + execution insert so frames for a prompt being
	// registered wait for it
	submitMu sync.Mutex
}

// NewConnection creates a connection for inst. Events are written to out in
// the order frames arrive.
func NewConnection(inst models.GenerationInstance, instances *store.InstanceStore, executions *store.ExecutionStore, out chan<- events.Event, cfg Config) *Connection {
	return &Connection{
		inst:       inst,
		api:        NewAPIClient(strings.TrimRight(inst.APIURL, "/")),
		instances:  instances,
		executions: executions,
		out:        out,
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		runCtx:     context.Background(),
		prompts:    make(map[string]*promptState),
		cancels:    make(map[string]*time.Timer),
	}
}

// InstanceID returns the backend instance this connection serves.
func (c *Connection) InstanceID() string {
	return c.inst.ID
}

// Connected reports whether the handshake has completed on the current session.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// API exposes the HTTP client of the instance.
func (c *Connection) API() *APIClient {
	return c.api
}

// Run keeps a session open until ctx is cancelled, reconnecting with
// exponential backoff after every drop.
func (c *Connection) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	// silent executions go stale whether or not the backend is reachable
	staleDone := make(chan struct{})
	go func() {
		defer close(staleDone)
		c.staleLoop(ctx)
	}()
	defer func() { <-staleDone }()

	failures := 0
	for {
		handshook, err := c.session(ctx)
		if ctx.Err() != nil {
			log.Printf("[COMFY] %s connection stopped", c.inst.Name)
			return
		}
		if handshook {
			failures = 0
		}
		failures++

		delay := c.cfg.Backoff.Jittered(failures)
		log.Printf("[COMFY] %s disconnected (%v); reconnect attempt %d in %v", c.inst.Name, err, failures, delay.Round(time.Millisecond))
		if err := c.instances.IncrementReconnect(ctx, c.inst.ID); err != nil && ctx.Err() == nil {
			log.Printf("⚠️ Failed to record reconnect attempt for %s: %v", c.inst.Name, err)
		}
		metrics.ReconnectAttemptsTotal.WithLabelValues(c.inst.Name).Inc()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one websocket session. It reports whether the handshake
// succeeded, and the error that ended the session.
func (c *Connection) session(ctx context.Context) (bool, error) {
	clientID := uuid.New().String()
	wsURL := strings.TrimRight(c.inst.WSURL, "/") + "/ws?clientId=" + url.QueryEscape(clientID)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, wsURL, nil)
	cancelDial()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.inst.WSURL, err)
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return false, err
	}

	pongWait := 2 * c.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.connected = true
	c.clientID = clientID
	c.mu.Unlock()
	if err := c.instances.ResetReconnect(ctx, c.inst.ID); err != nil {
		log.Printf("⚠️ Failed to reset reconnect counter for %s: %v", c.inst.Name, err)
	}
	metrics.InstanceConnected.WithLabelValues(c.inst.Name).Set(1)
	log.Printf("🔌 Connected to backend %s (client %s)", c.inst.Name, clientID)
	c.emit(ctx, events.InstanceConnected{Meta: events.Meta{InstanceID: c.inst.ID, At: time.Now()}})

	c.restorePrompts(ctx)
	c.sweepStale(ctx)

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(sessCtx, conn)
	}()

	var readErr error
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue // binary frames are preview images
		}
		c.handleFrame(ctx, data)
	}

	cancel()
	wg.Wait()

	c.mu.Lock()
	c.connected = false
	c.active = ""
	c.mu.Unlock()
	metrics.InstanceConnected.WithLabelValues(c.inst.Name).Set(0)

	reason := "connection closed"
	if readErr != nil && ctx.Err() == nil {
		reason = readErr.Error()
	}
	if ctx.Err() != nil {
		reason = "shutdown"
	}
	// the handler should see the disconnect even while shutting down
	emitCtx, cancelEmit := context.WithTimeout(context.Background(), time.Second)
	c.emit(emitCtx, events.InstanceDisconnected{
		Meta:   events.Meta{InstanceID: c.inst.ID, At: time.Now()},
		Reason: reason,
	})
	cancelEmit()
	return true, fmt.Errorf("%w: %s", models.ErrConnectionLost, reason)
}

// handshake waits for the initial status frame the backend sends on connect.
func (c *Connection) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake with %s: %w", c.inst.Name, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := ParseMessage(data)
		if err != nil {
			return fmt.Errorf("handshake with %s: %w", c.inst.Name, err)
		}
		if _, ok := msg.(StatusMessage); ok {
			return nil
		}
		return fmt.Errorf("handshake with %s: expected status frame, got %s", c.inst.Name, msg.Kind())
	}
}

func (c *Connection) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Printf("[COMFY] %s ping failed: %v", c.inst.Name, err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Connection) staleLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepStale(ctx)
		}
	}
}

// sweepStale reports every in-flight execution that has been silent for
// longer than the staleness window as a stale generation error.
func (c *Connection) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.StaleAfter)
	stale, err := c.executions.ListStale(ctx, c.inst.ID, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("⚠️ Staleness check on %s failed: %v", c.inst.Name, err)
		}
		return
	}
	for _, e := range stale {
		log.Printf("⏰ Execution %s (job %s) on %s silent since %s", e.PromptID, e.JobID, c.inst.Name, e.LastEventAt.Format(time.RFC3339))
		c.forget(e.PromptID)
		c.emit(ctx, events.GenerationError{
			Meta:     events.Meta{InstanceID: c.inst.ID, At: time.Now()},
			JobID:    e.JobID,
			PromptID: e.PromptID,
			NodeID:   e.CurrentNode,
			Message:  fmt.Sprintf("%v: no backend events for %v", models.ErrStaleExecution, c.cfg.StaleAfter),
			Stale:    true,
		})
	}
}

// restorePrompts reloads in-flight executions after a reconnect so their
// frames can still be routed to jobs.
func (c *Connection) restorePrompts(ctx context.Context) {
	active, err := c.executions.ListActive(ctx, c.inst.ID)
	if err != nil {
		log.Printf("⚠️ Failed to reload executions for %s: %v", c.inst.Name, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range active {
		if _, ok := c.prompts[e.PromptID]; !ok {
			c.prompts[e.PromptID] = restoredPrompt(e)
		}
	}
}

// restoredPrompt rebuilds prompt state from a stored execution so stage
// numbering and gathered outputs carry on where they stopped.
func restoredPrompt(e models.GenerationExecution) *promptState {
	st := &promptState{jobID: e.JobID, percent: e.ProgressPercent, node: e.CurrentNode, stageCount: e.StageCount}
	if len(e.Outputs) > 0 {
		if err := json.Unmarshal(e.Outputs, &st.outputs); err != nil {
			log.Printf("⚠️ Ignoring unreadable outputs of execution %s: %v", e.PromptID, err)
		}
	}
	return st
}

func (c *Connection) handleFrame(ctx context.Context, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		metrics.FramesDroppedTotal.WithLabelValues(c.inst.Name).Inc()
		log.Printf("[COMFY] %s dropped frame: %v (raw: %s)", c.inst.Name, err, truncate(data, 256))
		return
	}

	promptID := msg.Prompt()
	if promptID == "" {
		if _, ok := msg.(Progress); ok {
			c.mu.Lock()
			promptID = c.active
			c.mu.Unlock()
		}
	}
	if promptID == "" {
		if _, ok := Translate(c.inst.ID, msg, PromptState{}, time.Now()); !ok {
			return
		}
	}

	c.mu.Lock()
	st, known := c.prompts[promptID]
	c.mu.Unlock()
	if !known {
		st = c.lookupPrompt(ctx, promptID)
		if st == nil {
			return // another client's prompt
		}
	}

	c.mu.Lock()
	switch m := msg.(type) {
	case ExecutionStart:
		c.active = promptID
	case Executing:
		if m.Node != nil {
			st.node = *m.Node
			c.active = promptID
		}
	case Progress:
		if m.Node != "" {
			st.node = m.Node
		}
	}
	snap := st.snapshot()
	ev, ok := Translate(c.inst.ID, msg, snap, time.Now())
	var stages *PromptState
	if ok {
		switch e := ev.(type) {
		case events.GenerationProgress:
			if e.Percent > st.percent {
				st.percent = e.Percent
			}
			if e.Stage != nil {
				st.stageCount++
				if st.outputs == nil {
					st.outputs = make(map[string]json.RawMessage)
				}
				st.outputs[e.Stage.Name] = e.Stage.Output
				after := st.snapshot()
				stages = &after
			}
		case events.GenerationCompleted, events.GenerationError, events.GenerationCancelled:
			c.forgetLocked(promptID)
		}
	}
	c.mu.Unlock()

	if stages != nil {
		if err := c.executions.RecordStages(ctx, promptID, stages.StageCount, stages.Outputs); err != nil {
			log.Printf("⚠️ Failed to record stage %d of %s: %v", stages.StageCount-1, promptID, err)
		}
	}
	if ok {
		c.emit(ctx, ev)
	}
}

// lookupPrompt resolves a prompt this connection has not seen yet, waiting
// for any submission in progress to register first.
func (c *Connection) lookupPrompt(ctx context.Context, promptID string) *promptState {
	c.submitMu.Lock()
	c.submitMu.Unlock()

	c.mu.Lock()
	st, ok := c.prompts[promptID]
	c.mu.Unlock()
	if ok {
		return st
	}

	e, err := c.executions.FindByPrompt(ctx, promptID)
	if err != nil || e.InstanceID != c.inst.ID {
		return nil
	}
	if e.Status != models.ExecutionSubmitted && e.Status != models.ExecutionRunning {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.prompts[promptID]; ok {
		return st
	}
	st = restoredPrompt(*e)
	c.prompts[promptID] = st
	return st
}

// Submit queues a workflow for jobID and records the execution. It fails
// with models.ErrNotConnected when no session is up.
func (c *Connection) Submit(ctx context.Context, jobID string, workflow json.RawMessage) (string, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	connected, clientID := c.connected, c.clientID
	c.mu.Unlock()
	if !connected {
		return "", fmt.Errorf("%s: %w", c.inst.Name, models.ErrNotConnected)
	}

	resp, err := c.api.SubmitPrompt(ctx, workflow, clientID)
	if err != nil {
		return "", err
	}

	if _, err := c.executions.Create(ctx, c.inst.ID, jobID, resp.PromptID); err != nil {
		if delErr := c.api.DeleteQueued(ctx, resp.PromptID); delErr != nil {
			log.Printf("⚠️ Failed to withdraw orphaned prompt %s: %v", resp.PromptID, delErr)
		}
		return "", err
	}

	c.mu.Lock()
	c.prompts[resp.PromptID] = &promptState{jobID: jobID}
	c.mu.Unlock()

	log.Printf("📤 Job %s submitted to %s as prompt %s (queue #%d)", jobID, c.inst.Name, resp.PromptID, resp.Number)
	return resp.PromptID, nil
}

// Cancel asks the backend to drop promptID. If the backend does not confirm
// within the cancel timeout a GenerationCancelled event is emitted anyway.
func (c *Connection) Cancel(ctx context.Context, promptID string) error {
	var errs []error
	if err := c.api.DeleteQueued(ctx, promptID); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	running := c.active == promptID
	st := c.prompts[promptID]
	c.mu.Unlock()
	if running {
		if err := c.api.Interrupt(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	jobID := ""
	if st != nil {
		jobID = st.jobID
	} else if e, err := c.executions.FindByPrompt(ctx, promptID); err == nil {
		jobID = e.JobID
	}

	c.mu.Lock()
	if t, ok := c.cancels[promptID]; ok {
		t.Stop()
	}
	c.cancels[promptID] = time.AfterFunc(c.cfg.CancelTimeout, func() {
		c.mu.Lock()
		_, pending := c.cancels[promptID]
		delete(c.cancels, promptID)
		delete(c.prompts, promptID)
		runCtx := c.runCtx
		c.mu.Unlock()
		if !pending || jobID == "" {
			return
		}
		log.Printf("[COMFY] %s cancel of prompt %s unconfirmed after %v", c.inst.Name, promptID, c.cfg.CancelTimeout)
		c.emit(runCtx, events.GenerationCancelled{
			Meta:     events.Meta{InstanceID: c.inst.ID, At: time.Now()},
			JobID:    jobID,
			PromptID: promptID,
			Reason:   "cancel confirmation timed out",
		})
	})
	c.mu.Unlock()

	return errors.Join(errs...)
}

func (c *Connection) forget(promptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetLocked(promptID)
}

func (c *Connection) forgetLocked(promptID string) {
	delete(c.prompts, promptID)
	if t, ok := c.cancels[promptID]; ok {
		t.Stop()
		delete(c.cancels, promptID)
	}
	if c.active == promptID {
		c.active = ""
	}
}

func (c *Connection) emit(ctx context.Context, ev events.Event) {
	select {
	case c.out <- ev:
	case <-ctx.Done():
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
