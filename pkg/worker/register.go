package worker

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RegisterWithRetry registers the worker, backing off exponentially while
// the platform is unreachable.
func (a *Agent) RegisterWithRetry(ctx context.Context) error {
	var err error
	for attempt := 1; a.attempts <= 0 || attempt <= a.attempts; attempt++ {
		var ack *Ack
		ack, err = a.client.Register(ctx, a.reg)
		if err == nil {
			a.record(ack)
			return nil
		}

		backoff := a.backoff.Jittered(attempt)
		log.Printf("[RETRY] Worker %s registration attempt %d failed: %v (next in %v)",
			a.reg.Name, attempt, err, backoff.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("registration failed after %d attempts: %w", a.attempts, err)
}
