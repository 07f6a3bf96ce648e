package calibrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeMaster struct {
	replies []int64
	i       int
	err     error
}

func (f *fakeMaster) TimeQuery(ctx context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	v := f.replies[f.i%len(f.replies)]
	f.i++
	return v, nil
}

func TestCalibrator_CalibrateSetsOffset(t *testing.T) {
	master := &fakeMaster{replies: []int64{1_000_100, 1_000_100, 1_000_100, 1_000_100, 1_000_100}}
	c := New(master, DefaultConfig(), zap.NewNop())
	c.nowFn = func() time.Time { return time.UnixMilli(1_000_000) }

	if err := c.Calibrate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Stale() {
		t.Fatal("expected fresh calibration to not be stale")
	}
	if c.OffsetMS() <= 0 {
		t.Fatalf("expected a positive offset, got %d", c.OffsetMS())
	}
}

func TestCalibrator_MasterUnreachable(t *testing.T) {
	master := &fakeMaster{err: errors.New("connection refused")}
	c := New(master, DefaultConfig(), zap.NewNop())

	err := c.Calibrate(context.Background())
	if err == nil {
		t.Fatal("expected WaitingForMaster error")
	}
	if !c.MasterMissing() {
		t.Fatal("expected MasterMissing to be true after failed calibration")
	}
}

func TestCalibrator_EmergencyRecalibrationOnLargeDrift(t *testing.T) {
	master := &fakeMaster{replies: []int64{1_000_100, 1_000_100, 1_000_100, 1_000_100, 1_000_100}}
	cfg := DefaultConfig()
	c := New(master, cfg, zap.NewNop())
	c.nowFn = func() time.Time { return time.UnixMilli(1_000_000) }

	if err := c.Calibrate(context.Background()); err != nil {
		t.Fatalf("unexpected error on first calibration: %v", err)
	}

	// second round drifts the offset by a huge amount but is internally
	// consistent (low IQR), so emergency recalibration should still succeed.
	master.replies = []int64{1_002_000, 1_002_000, 1_002_000, 1_002_000, 1_002_000,
		1_002_000, 1_002_000, 1_002_000, 1_002_000, 1_002_000}
	master.i = 0

	if err := c.Calibrate(context.Background()); err != nil {
		t.Fatalf("unexpected error on emergency recalibration: %v", err)
	}
}

func TestCalibrator_EmergencyRecalibrationFailsOnHighIQR(t *testing.T) {
	master := &fakeMaster{replies: []int64{1_000_100, 1_000_100, 1_000_100, 1_000_100, 1_000_100}}
	c := New(master, DefaultConfig(), zap.NewNop())
	c.nowFn = func() time.Time { return time.UnixMilli(1_000_000) }

	if err := c.Calibrate(context.Background()); err != nil {
		t.Fatalf("unexpected error on first calibration: %v", err)
	}

	// noisy, inconsistent replies: the drift check triggers, and the
	// emergency round's IQR exceeds the max, so calibration should fail.
	master.replies = []int64{1_002_000, 1_500_000, 1_002_500, 900_000, 1_300_000,
		1_002_100, 1_700_000, 1_002_900, 800_000, 1_600_000}
	master.i = 0

	if err := c.Calibrate(context.Background()); err == nil {
		t.Fatal("expected ClockUnstable error from noisy emergency calibration")
	}
}

func TestMedianAndIQR(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	if m := median(samples); m != 30 {
		t.Fatalf("expected median 30, got %d", m)
	}
	if iqr := interquartileRange(samples); iqr < 0 {
		t.Fatalf("expected non-negative IQR, got %d", iqr)
	}
}
