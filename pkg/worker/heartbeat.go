package worker

import (
	"context"
	"errors"
	"log"
	"time"
)

// heartbeatLoop sends periodic heartbeats
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[HB] Heartbeat sender stopped for worker %s", a.reg.Name)
			return

		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				log.Printf("[WARN] Failed to send heartbeat from worker %s: %v", a.reg.Name, err)
			}
		}
	}
}

// sendHeartbeat sends a single heartbeat. A platform that forgot the
// worker gets a fresh registration.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	hbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ack, err := a.client.Heartbeat(hbCtx, a.WorkerID())
	if errors.Is(err, ErrUnknownWorker) {
		log.Printf("[HB] Worker %s unknown to platform, registering again", a.reg.Name)
		return a.RegisterWithRetry(ctx)
	}
	if err != nil {
		return err
	}
	a.record(ack)
	return nil
}
