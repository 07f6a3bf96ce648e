// Package hlc implements the hybrid logical clock used to give every
// record mutation a globally comparable timestamp: physical time for
// human-meaningful ordering, a logical counter for same-millisecond
// tiebreaks, and the node id for total determinism across ties.
package hlc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/syncerr"
)

// WireSize is the byte length of the canonical wire encoding from
// spec.md §6: {u64 physical_ms}{u32 counter}{16 bytes node_id}.
const WireSize = 8 + 4 + 16

// PosInf is a sentinel timestamp greater than any timestamp a real clock
// can produce; it represents an open-ended upper bound on a range, e.g.
// the hi of the last chunk in a table.
var PosInf = HLC{
	PhysicalMS: ^uint64(0),
	Counter:    ^uint32(0),
	NodeID:     uuid.UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
}

// HLC is a hybrid logical clock timestamp: (physical_ms, counter, node_id).
// Ordering is lexicographic over the triple; two timestamps are equal only
// if all three fields match.
type HLC struct {
	PhysicalMS uint64
	Counter    uint32
	NodeID     uuid.UUID
}

// Compare returns -1, 0, or 1 as h is less than, equal to, or greater
// than other, ordering lexicographically over (PhysicalMS, Counter, NodeID).
func (h HLC) Compare(other HLC) int {
	if h.PhysicalMS != other.PhysicalMS {
		if h.PhysicalMS < other.PhysicalMS {
			return -1
		}
		return 1
	}
	if h.Counter != other.Counter {
		if h.Counter < other.Counter {
			return -1
		}
		return 1
	}
	switch {
	case h.NodeID == other.NodeID:
		return 0
	case nodeIDLess(h.NodeID, other.NodeID):
		return -1
	default:
		return 1
	}
}

func nodeIDLess(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (h HLC) Less(other HLC) bool    { return h.Compare(other) < 0 }
func (h HLC) Equal(other HLC) bool   { return h == other }
func (h HLC) IsZero() bool           { return h == HLC{} }
func (h HLC) After(other HLC) bool   { return h.Compare(other) > 0 }
func (h HLC) Before(other HLC) bool  { return h.Compare(other) < 0 }

// Age returns how long ago nowMS this timestamp's physical component was
// stamped; clamped to zero for timestamps at or after nowMS (see spec.md
// §4.5 on clock skew: a future modified_hlc is accepted, not rejected).
func (h HLC) Age(nowMS uint64) time.Duration {
	if nowMS <= h.PhysicalMS {
		return 0
	}
	return time.Duration(nowMS-h.PhysicalMS) * time.Millisecond
}

// Bytes encodes h in the canonical wire layout: 8-byte big-endian
// physical_ms, 4-byte big-endian counter, 16-byte node_id. Used both for
// chunk hashing (spec.md §4.4) and wire message framing (spec.md §6).
func (h HLC) Bytes() [WireSize]byte {
	var b [WireSize]byte
	binary.BigEndian.PutUint64(b[0:8], h.PhysicalMS)
	binary.BigEndian.PutUint32(b[8:12], h.Counter)
	copy(b[12:28], h.NodeID[:])
	return b
}

// FromBytes decodes the canonical wire layout produced by Bytes.
func FromBytes(b []byte) (HLC, error) {
	if len(b) != WireSize {
		return HLC{}, fmt.Errorf("hlc: FromBytes: expected %d bytes, got %d", WireSize, len(b))
	}
	var h HLC
	h.PhysicalMS = binary.BigEndian.Uint64(b[0:8])
	h.Counter = binary.BigEndian.Uint32(b[8:12])
	copy(h.NodeID[:], b[12:28])
	return h, nil
}

func (h HLC) String() string {
	t := time.UnixMilli(int64(h.PhysicalMS)).UTC()
	return fmt.Sprintf("HLC{physical=%s, counter=%d, node=%s}", t.Format(time.RFC3339Nano), h.Counter, h.NodeID)
}

// maxCounter is the largest logical counter representable on the wire
// (a u32); Now() fails with ClockOverflow rather than silently wrapping.
const maxCounter = ^uint32(0)

// Clock is a thread-safe per-node hybrid logical clock. It is the only
// source of HLC timestamps a node may issue; every call is checked for
// monotonicity against the previously issued timestamp (I4).
type Clock struct {
	mu sync.Mutex

	nodeID   uuid.UUID
	last     HLC // last_local_hlc
	offsetMS int64

	backwardFatalMS time.Duration
	catchupStepMS   time.Duration
	clampVirtual    uint64 // nonzero while slewing back from a backward jump

	nowFn func() time.Time // overridable for tests
}

// Config bundles the backward-jump protection thresholds from spec.md §6.
type Config struct {
	BackwardFatalMS time.Duration // default 1000ms
	CatchupStepMS   time.Duration // default 100ms
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{BackwardFatalMS: 1000 * time.Millisecond, CatchupStepMS: 100 * time.Millisecond}
}

// NewClock creates a clock for nodeID; it holds no prior timestamp, and
// its first Now() reads the wall clock.
func NewClock(nodeID uuid.UUID, cfg Config) *Clock {
	return &Clock{
		nodeID:          nodeID,
		backwardFatalMS: cfg.BackwardFatalMS,
		catchupStepMS:   cfg.CatchupStepMS,
		nowFn:           time.Now,
	}
}

// SetMasterOffset updates the calibrated offset to the master node; called
// by the Calibrator after each successful calibration round.
func (c *Clock) SetMasterOffset(offsetMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetMS = offsetMS
}

func (c *Clock) wallMS() uint64 {
	return uint64(c.nowFn().UnixMilli())
}

// Now produces the next local HLC timestamp. See spec.md §4.1.
func (c *Clock) Now() (HLC, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys, err := c.backwardJumpCheck()
	if err != nil {
		return HLC{}, err
	}

	var next HLC
	if phys > c.last.PhysicalMS {
		next = HLC{PhysicalMS: phys, Counter: 0, NodeID: c.nodeID}
	} else {
		if c.last.Counter == maxCounter {
			return HLC{}, syncerr.New(syncerr.KindClockOverflow,
				fmt.Sprintf("counter overflow at physical_ms=%d", c.last.PhysicalMS))
		}
		next = HLC{PhysicalMS: c.last.PhysicalMS, Counter: c.last.Counter + 1, NodeID: c.nodeID}
	}

	c.last = next
	return next, nil
}

// Observe merges an incoming remote timestamp into the local clock state
// without issuing a new local-facing value; used when a replicated write
// or protocol message carries a peer's HLC. See spec.md §4.1.
func (c *Clock) Observe(remote HLC) (HLC, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	localPhys, err := c.backwardJumpCheck()
	if err != nil {
		return HLC{}, err
	}

	maxPhys := localPhys
	if c.last.PhysicalMS > maxPhys {
		maxPhys = c.last.PhysicalMS
	}
	if remote.PhysicalMS > maxPhys {
		maxPhys = remote.PhysicalMS
	}

	var counter uint32
	switch {
	case maxPhys == c.last.PhysicalMS && maxPhys == remote.PhysicalMS:
		counter = max32(c.last.Counter, remote.Counter)
		if counter == maxCounter {
			return HLC{}, syncerr.New(syncerr.KindClockOverflow, "counter overflow merging remote HLC")
		}
		counter++
	case maxPhys == c.last.PhysicalMS:
		if c.last.Counter == maxCounter {
			return HLC{}, syncerr.New(syncerr.KindClockOverflow, "counter overflow merging remote HLC")
		}
		counter = c.last.Counter + 1
	case maxPhys == remote.PhysicalMS:
		if remote.Counter == maxCounter {
			return HLC{}, syncerr.New(syncerr.KindClockOverflow, "counter overflow merging remote HLC")
		}
		counter = remote.Counter + 1
	default:
		counter = 0
	}

	next := HLC{PhysicalMS: maxPhys, Counter: counter, NodeID: c.nodeID}
	c.last = next
	return next, nil
}

// backwardJumpCheck computes phys = current_utc_ms + offset and enforces
// the backward-jump protection rule from spec.md §4.1. It must be called
// with c.mu held.
func (c *Clock) backwardJumpCheck() (uint64, error) {
	wall := int64(c.wallMS()) + c.offsetMS
	if wall < 0 {
		wall = 0
	}
	realPhys := uint64(wall)

	if realPhys >= c.last.PhysicalMS {
		c.clampVirtual = 0 // wall clock is sane again
		return realPhys, nil
	}

	jump := int64(c.last.PhysicalMS) - int64(realPhys)
	if time.Duration(jump)*time.Millisecond > c.backwardFatalMS {
		return 0, syncerr.New(syncerr.KindClockBackwardFatal,
			fmt.Sprintf("clock jumped backward %dms (limit %v)", jump, c.backwardFatalMS))
	}

	// Clamp: issue HLCs against last_local_hlc.physical_ms, incrementing
	// counter, and let the clamped value slew back toward the last known
	// good reading at <=catchupStepMS per call, per spec.md §4.1.
	if c.clampVirtual == 0 {
		c.clampVirtual = realPhys
	}
	step := uint64(c.catchupStepMS.Milliseconds())
	if c.clampVirtual+step >= c.last.PhysicalMS {
		c.clampVirtual = c.last.PhysicalMS
	} else {
		c.clampVirtual += step
	}
	return c.clampVirtual, nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
