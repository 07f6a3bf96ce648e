// Package health periodically probes each sync peer's reachability and
// round-trip time and triggers a reconciliation session on reconnect; it
// does not interact with the Calibrator. Grounded on the
// teacher's internal/health.Probe (per-peer map + RWMutex, a
// HealingListener callback interface, NotifyHealingEvent fired on a
// down-to-up transition), rebuilt against a transport-agnostic Pinger
// instead of the teacher's generated proto.ACPServiceClient.HealthCheck
// (that generated client isn't part of the retrieval pack — see
// DESIGN.md), so any Transport (syncrpc's grpc client, a test double)
// can be probed without this package depending on grpc directly.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rachitkumar205/notesync/internal/metrics"
	"go.uber.org/zap"
)

// Pinger performs one reachability check against a single peer and
// reports the round trip time. A non-nil error means the peer did not
// answer in time.
type Pinger func(ctx context.Context, peerAddr string) (time.Duration, error)

// HealingListener is notified when a peer transitions from down to up,
// so the caller can kick off an immediate reconciliation session instead
// of waiting for the next scheduled one.
type HealingListener interface {
	NotifyHealingEvent(peerAddr string)
}

// Probe periodically pings a fixed set of peers and tracks their
// up/down status.
type Probe struct {
	ping     Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	status   map[string]bool // peer -> up(true)/down(false)
	listener HealingListener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config bundles the prober's timing knobs.
type Config struct {
	Interval time.Duration // how often each peer is pinged
	Timeout  time.Duration // per-ping timeout
}

// New creates a Probe. ping is called once per peer per interval.
func New(ping Pinger, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{
		ping:     ping,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   logger,
		metrics:  m,
		status:   make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// SetHealingListener installs the listener notified on partition
// healing. Replaces any previously set listener.
func (p *Probe) SetHealingListener(l HealingListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// IsUp reports the last known status for peerAddr. An unprobed peer
// reports down.
func (p *Probe) IsUp(peerAddr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status[peerAddr]
}

// Start begins probing every address in peerAddrs on its own goroutine,
// until ctx is done or Stop is called.
func (p *Probe) Start(ctx context.Context, peerAddrs []string) {
	for _, addr := range peerAddrs {
		p.wg.Add(1)
		go p.probeLoop(ctx, addr)
	}
}

// Stop signals every probe goroutine to exit and waits for them.
func (p *Probe) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Probe) probeLoop(ctx context.Context, addr string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.check(ctx, addr)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Probe) check(parent context.Context, addr string) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	p.mu.RLock()
	wasUp := p.status[addr]
	p.mu.RUnlock()

	rtt, err := p.ping(ctx, addr)
	if err != nil {
		p.logger.Warn("health probe failed", zap.String("peer", addr), zap.Error(err))
		p.mu.Lock()
		p.status[addr] = false
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.status[addr] = true
	listener := p.listener
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.HealthRTT.WithLabelValues(addr).Set(rtt.Seconds())
	}
	p.logger.Debug("health probe succeeded", zap.String("peer", addr), zap.Duration("rtt", rtt))

	if !wasUp && listener != nil {
		p.logger.Info("partition healing detected", zap.String("peer", addr))
		if p.metrics != nil {
			p.metrics.HealingEventsTotal.Inc()
		}
		listener.NotifyHealingEvent(addr)
	}
}
