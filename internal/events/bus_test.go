package events

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus(ctx)
	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	b.Publish(Event{Kind: KindSessionStarted, Peer: "peer-1", Table: "tracks"})

	select {
	case ev := <-sub:
		if ev.Kind != KindSessionStarted || ev.Peer != "peer-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus(ctx)
	sub := b.Subscribe(1)
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: KindSessionCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestBus_UnsubscribedChannelReceivesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus(ctx)
	sub := b.Subscribe(4)
	b.Unsubscribe(sub)

	// give the dispatch loop a moment to process the unregister
	time.Sleep(50 * time.Millisecond)

	b.Publish(Event{Kind: KindAwaitingMaster})

	select {
	case ev := <-sub:
		t.Fatalf("expected no event after unsubscribe, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
