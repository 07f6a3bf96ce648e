// Package scheduler implements the node's single Sync Scheduler task
// from spec.md §5: it serializes outbound sessions per (peer, table)
// pair, while letting different tables to the same peer, or the same
// table to different peers, proceed concurrently. It is grounded on the
// teacher's per-peer map-plus-mutex shape in
// internal/replication.Coordinator and internal/health.Probe, widened
// from "one mutex per peer" to "one mutex per (peer, table)" since a
// session here is scoped to a single table, not a whole peer connection.
package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type pairKey struct {
	peer  string
	table string
}

// Scheduler serializes session runs keyed by (peer, table).
type Scheduler struct {
	mu     sync.Mutex
	locks  map[pairKey]*sync.Mutex
	logger *zap.Logger
}

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{locks: make(map[pairKey]*sync.Mutex), logger: logger}
}

func (s *Scheduler) lockFor(peer, table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey{peer, table}
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

// Run executes fn with exclusive access to the (peer, table) pair,
// waiting for any in-flight session on that same pair to finish first.
// Sessions for a different peer, or a different table to the same peer,
// run without waiting on each other. If ctx is cancelled before the
// pair's lock becomes available, Run returns ctx.Err() without calling
// fn.
func (s *Scheduler) Run(ctx context.Context, peer, table string, fn func(ctx context.Context) error) error {
	l := s.lockFor(peer, table)

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The goroutine above still owns (or will own) the lock; release
		// it once acquired so the pair isn't wedged for the next caller.
		go func() { <-acquired; l.Unlock() }()
		return ctx.Err()
	}

	defer l.Unlock()
	s.logger.Debug("scheduler: session slot acquired", zap.String("peer", peer), zap.String("table", table))
	return fn(ctx)
}
