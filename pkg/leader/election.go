package leader

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Elector campaigns for leadership of the dispatch loop. Only the leader
// claims jobs and holds backend connections; followers serve the API.
type Elector struct {
	client *clientv3.Client
	nodeID string
	prefix string
	ttl    int

	leading atomic.Bool
}

// NewElector connects to etcd.
func NewElector(endpoints []string, nodeID, prefix string, ttlSeconds int) (*Elector, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	return &Elector{client: cli, nodeID: nodeID, prefix: prefix, ttl: ttlSeconds}, nil
}

// IsLeader reports whether this node currently holds leadership.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run campaigns until ctx is done. Each time this node wins, onElected runs
// with a context that is cancelled when leadership is lost.
func (e *Elector) Run(ctx context.Context, onElected func(ctx context.Context)) error {
	for {
		if err := e.term(ctx, onElected); err != nil {
			log.Printf("⚠️ Leadership term ended: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (e *Elector) term(ctx context.Context, onElected func(ctx context.Context)) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, e.prefix)
	if err := election.Campaign(ctx, e.nodeID); err != nil {
		return fmt.Errorf("election campaign failed: %w", err)
	}

	log.Printf("🏆 Node %s has become the leader!", e.nodeID)
	e.leading.Store(true)
	defer e.leading.Store(false)

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		onElected(leaderCtx)
	}()

	select {
	case <-session.Done():
		log.Println("⚠️ leadership lost, session expired")
		cancel()
		<-done
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		resignCtx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		return election.Resign(resignCtx)
	case <-done:
		resignCtx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		return election.Resign(resignCtx)
	}
}

// Close releases the etcd client.
func (e *Elector) Close() error {
	return e.client.Close()
}
