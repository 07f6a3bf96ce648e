package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingListener struct {
	mu    sync.Mutex
	peers []string
}

func (l *countingListener) NotifyHealingEvent(peerAddr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = append(l.peers, peerAddr)
}

func TestProbe_DetectsHealingOnReconnect(t *testing.T) {
	var up atomic.Bool // flips from down to up partway through the test

	ping := func(ctx context.Context, peerAddr string) (time.Duration, error) {
		if !up.Load() {
			return 0, context.DeadlineExceeded
		}
		return time.Millisecond, nil
	}

	listener := &countingListener{}
	p := New(ping, Config{Interval: 5 * time.Millisecond, Timeout: 20 * time.Millisecond}, nil, nil)
	p.SetHealingListener(listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, []string{"peer-a"})
	defer p.Stop()

	time.Sleep(30 * time.Millisecond)
	if p.IsUp("peer-a") {
		t.Fatal("expected peer-a to be down before it ever answers")
	}

	up.Store(true)
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if p.IsUp("peer-a") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !p.IsUp("peer-a") {
		t.Fatal("expected peer-a to become up after it starts answering")
	}

	listener.mu.Lock()
	n := len(listener.peers)
	listener.mu.Unlock()
	if n == 0 {
		t.Fatal("expected at least one healing notification")
	}
}
