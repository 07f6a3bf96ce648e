// Package calibrator estimates the physical-time offset between this node
// and a designated master using Cristian's algorithm, feeding the result
// into the node's hlc.Clock so every HLC it issues is anchored to the
// cluster's shared notion of time.
package calibrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rachitkumar205/notesync/internal/syncerr"
	"go.uber.org/zap"
)

// MasterLink is the RPC surface the Calibrator needs from a master node;
// a concrete Transport implementation adapts TIME_QUERY/TIME_REPLY onto it.
type MasterLink interface {
	// TimeQuery sends a TIME_QUERY and returns the master's wall clock at
	// the moment it replied, in Unix milliseconds.
	TimeQuery(ctx context.Context) (masterMS int64, err error)
}

// Config holds the calibration parameters from spec.md §6.
type Config struct {
	Samples           int           // default 5
	EmergencySamples  int           // default 10
	OffsetThresholdMS int64         // default 500
	TTL               time.Duration // default 60s
	EmergencyIQRMaxMS int64         // default 200
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Samples:           5,
		EmergencySamples:  10,
		OffsetThresholdMS: 500,
		TTL:               60 * time.Second,
		EmergencyIQRMaxMS: 200,
	}
}

// Calibrator owns the current master_offset_ms and refreshes it on a TTL,
// per spec.md §4.2.
type Calibrator struct {
	mu sync.RWMutex

	cfg    Config
	link   MasterLink
	logger *zap.Logger
	nowFn  func() time.Time

	offsetMS      int64
	lastDriftMS   int64
	calibratedAt  time.Time
	masterMissing bool
}

// New creates a Calibrator against the given master link.
func New(link MasterLink, cfg Config, logger *zap.Logger) *Calibrator {
	return &Calibrator{cfg: cfg, link: link, logger: logger, nowFn: time.Now}
}

// OffsetMS returns the last calibrated offset, regardless of staleness;
// callers combine this with Stale() to decide whether to pause.
func (c *Calibrator) OffsetMS() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offsetMS
}

// DriftMS returns the absolute change between the two most recent
// calibrated offsets, i.e. how far the clock drifted over the interval
// between those two rounds. Zero until a second round has run.
func (c *Calibrator) DriftMS() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDriftMS
}

// Stale reports whether the current offset is older than the configured
// TTL and a fresh calibration round is due before the next sync session.
func (c *Calibrator) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.calibratedAt.IsZero() {
		return true
	}
	return c.nowFn().Sub(c.calibratedAt) > c.cfg.TTL
}

// Calibrate runs one calibration round: Samples samples of Cristian's
// algorithm, offset = median sample. If the new offset has drifted more
// than OffsetThresholdMS from the previous one, it escalates to an
// emergency round (EmergencySamples samples, requiring IQR <= EmergencyIQRMaxMS).
func (c *Calibrator) Calibrate(ctx context.Context) error {
	samples, err := c.collectSamples(ctx, c.cfg.Samples)
	if err != nil {
		return err
	}

	newOffset := median(samples)

	c.mu.RLock()
	prevOffset := c.offsetMS
	hadPrior := !c.calibratedAt.IsZero()
	c.mu.RUnlock()

	if hadPrior && absInt64(newOffset-prevOffset) > c.cfg.OffsetThresholdMS {
		c.logger.Warn("offset drift exceeds threshold, entering emergency recalibration",
			zap.Int64("previous_offset_ms", prevOffset),
			zap.Int64("candidate_offset_ms", newOffset),
			zap.Int64("threshold_ms", c.cfg.OffsetThresholdMS))
		return c.emergencyCalibrate(ctx)
	}

	c.commit(newOffset)
	return nil
}

func (c *Calibrator) emergencyCalibrate(ctx context.Context) error {
	samples, err := c.collectSamples(ctx, c.cfg.EmergencySamples)
	if err != nil {
		return err
	}

	iqr := interquartileRange(samples)
	if iqr > c.cfg.EmergencyIQRMaxMS {
		return syncerr.New(syncerr.KindClockUnstable,
			fmt.Sprintf("emergency calibration IQR %dms exceeds max %dms", iqr, c.cfg.EmergencyIQRMaxMS))
	}

	c.commit(median(samples))
	return nil
}

func (c *Calibrator) commit(offsetMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.calibratedAt.IsZero() {
		c.lastDriftMS = absInt64(offsetMS - c.offsetMS)
	}
	c.offsetMS = offsetMS
	c.calibratedAt = c.nowFn()
	c.masterMissing = false
}

// collectSamples gathers n Cristian's-algorithm offset samples. A master
// that's unreachable for even one sample surfaces WaitingForMaster rather
// than a partial/noisy calibration.
func (c *Calibrator) collectSamples(ctx context.Context, n int) ([]int64, error) {
	samples := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		t0 := c.nowFn().UnixMilli()
		masterMS, err := c.link.TimeQuery(ctx)
		if err != nil {
			c.mu.Lock()
			c.masterMissing = true
			c.mu.Unlock()
			return nil, syncerr.Wrap(syncerr.KindWaitingForMaster, "master unreachable during calibration", err)
		}
		t1 := c.nowFn().UnixMilli()

		delay := (t1 - t0) / 2
		offset := masterMS + delay - t1
		samples = append(samples, offset)
	}
	return samples, nil
}

// MasterMissing reports whether the most recent calibration attempt
// failed to reach the master. internal/reconcile does not consult this
// flag; a session whose Calibrate cannot reach the master aborts with
// WaitingForMaster.
func (c *Calibrator) MasterMissing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.masterMissing
}

func median(samples []int64) int64 {
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func interquartileRange(samples []int64) int64 {
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	return q3 - q1
}

// percentile uses linear interpolation between closest ranks, applied to
// an already-sorted slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + int64(frac*float64(sorted[hi]-sorted[lo]))
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
