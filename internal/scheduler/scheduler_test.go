package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_SerializesSamePair(t *testing.T) {
	s := New(nil)
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	run := func() {
		defer wg.Done()
		_ = s.Run(context.Background(), "peer-a", "tracks", func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}

	wg.Add(5)
	for i := 0; i < 5; i++ {
		go run()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most 1 concurrent session for the same (peer, table), got %d", maxActive)
	}
}

func TestScheduler_DifferentPairsRunConcurrently(t *testing.T) {
	s := New(nil)
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	run := func(peer, table string) {
		defer wg.Done()
		_ = s.Run(context.Background(), peer, table, func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}

	wg.Add(2)
	go run("peer-a", "tracks")
	go run("peer-b", "tracks")
	wg.Wait()

	if maxActive < 2 {
		t.Fatalf("expected different (peer, table) pairs to run concurrently, max concurrency was %d", maxActive)
	}
}

func TestScheduler_CancelBeforeAcquire(t *testing.T) {
	s := New(nil)

	holdRelease := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), "peer-a", "tracks", func(ctx context.Context) error {
			close(entered)
			<-holdRelease
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, "peer-a", "tracks", func(ctx context.Context) error {
		t.Fatal("fn should not run when ctx is already cancelled before the lock is free")
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	close(holdRelease)
}
