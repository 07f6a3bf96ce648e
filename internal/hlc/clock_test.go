package hlc

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestClock(t *testing.T) *Clock {
	t.Helper()
	return NewClock(uuid.New(), DefaultConfig())
}

func TestClock_NowMonotonic(t *testing.T) {
	clock := newTestClock(t)

	var prev HLC
	for i := 0; i < 1000; i++ {
		ts, err := clock.Now()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if i > 0 && !ts.After(prev) {
			t.Fatalf("monotonicity violated at iteration %d: %v not after %v", i, ts, prev)
		}
		prev = ts
	}
}

func TestClock_NowSameMillisecondIncrementsCounter(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	clock := newTestClock(t)
	clock.nowFn = func() time.Time { return fixed }

	first, err := clock.Now()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := clock.Now()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.PhysicalMS != first.PhysicalMS {
		t.Fatalf("expected same physical ms, got %d vs %d", first.PhysicalMS, second.PhysicalMS)
	}
	if second.Counter != first.Counter+1 {
		t.Fatalf("expected counter to increment by 1, got %d -> %d", first.Counter, second.Counter)
	}
}

func TestClock_Observe(t *testing.T) {
	node1 := NewClock(uuid.New(), DefaultConfig())
	node2 := NewClock(uuid.New(), DefaultConfig())

	ts1, err := node1.Now()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	merged, err := node2.Observe(ts1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !merged.After(ts1) {
		t.Fatalf("expected merged timestamp after remote, got %v vs %v", merged, ts1)
	}

	next, err := node2.Now()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.After(merged) {
		t.Fatalf("expected subsequent Now() to stay after the observed merge")
	}
}

func TestClock_BackwardJumpFatal(t *testing.T) {
	clock := newTestClock(t)

	base := time.UnixMilli(1_700_000_000_000)
	clock.nowFn = func() time.Time { return base }
	if _, err := clock.Now(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.nowFn = func() time.Time { return base.Add(-1500 * time.Millisecond) }
	_, err := clock.Now()
	if err == nil {
		t.Fatal("expected ClockBackwardFatal error")
	}
}

func TestClock_BackwardJumpClamped(t *testing.T) {
	clock := newTestClock(t)

	base := time.UnixMilli(1_700_000_000_000)
	clock.nowFn = func() time.Time { return base }
	first, err := clock.Now()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.nowFn = func() time.Time { return base.Add(-500 * time.Millisecond) }
	second, err := clock.Now()
	if err != nil {
		t.Fatalf("unexpected error for a sub-threshold backward jump: %v", err)
	}
	if !second.After(first) {
		t.Fatalf("expected clamped clock to stay monotonic: %v vs %v", second, first)
	}
}

func TestHLC_CompareTieBreaksOnNodeID(t *testing.T) {
	smaller := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	larger := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	a := HLC{PhysicalMS: 100, Counter: 0, NodeID: smaller}
	b := HLC{PhysicalMS: 100, Counter: 0, NodeID: larger}

	if a.Compare(b) >= 0 {
		t.Fatalf("expected a < b when physical and counter tie and a has smaller node id")
	}
	if b.Compare(a) <= 0 {
		t.Fatalf("expected b > a")
	}
}

func TestHLC_IsZero(t *testing.T) {
	var zero HLC
	if !zero.IsZero() {
		t.Fatal("expected zero-value HLC to report IsZero")
	}
	nonZero := HLC{PhysicalMS: 1}
	if nonZero.IsZero() {
		t.Fatal("expected non-zero HLC to report !IsZero")
	}
}

func TestHLC_BytesRoundTrip(t *testing.T) {
	want := HLC{PhysicalMS: 1_700_000_000_123, Counter: 42, NodeID: uuid.New()}
	got, err := FromBytes(want.Bytes()[:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %v, want %v", got, want)
	}
}

func TestHLC_FromBytesRejectsWrongLength(t *testing.T) {
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestHLC_PosInfGreaterThanAnyRealValue(t *testing.T) {
	real := HLC{PhysicalMS: ^uint64(0) - 1, Counter: ^uint32(0), NodeID: uuid.New()}
	if !PosInf.After(real) {
		t.Fatalf("expected PosInf to be after %v", real)
	}
}
