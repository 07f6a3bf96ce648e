package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/calibrator"
	"github.com/rachitkumar205/notesync/internal/checkpoint"
	"github.com/rachitkumar205/notesync/internal/config"
	"github.com/rachitkumar205/notesync/internal/events"
	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/metrics"
	"github.com/rachitkumar205/notesync/internal/reconcile"
	"github.com/rachitkumar205/notesync/internal/record"
	"github.com/rachitkumar205/notesync/internal/scheduler"
	"github.com/rachitkumar205/notesync/internal/syncrpc"
	"go.uber.org/zap"
)

// outboundRunner opens Initiator sessions to every (peer, table) pair on
// cfg.SyncInterval, and also doubles as a health.HealingListener: a
// peer transitioning from down to up triggers an immediate session for
// every table to that peer instead of waiting out the rest of the
// interval, per spec.md §4.7's partition-healing requirement.
type outboundRunner struct {
	ctx context.Context

	cfg     *config.Config
	clock   *hlc.Clock
	clb     *calibrator.Calibrator // nil in master-less deployments
	store   record.Store
	cp      checkpoint.Store
	m       *metrics.Metrics
	bus     *events.Bus
	logger  *zap.Logger
	sched   *scheduler.Scheduler
	clients map[string]*syncrpc.Client
}

func (r *outboundRunner) runForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range r.cfg.Peers {
				for _, table := range r.cfg.Tables {
					go r.syncOne(ctx, peer, table)
				}
			}
		}
	}
}

// NotifyHealingEvent implements health.HealingListener.
func (r *outboundRunner) NotifyHealingEvent(peerAddr string) {
	ctx := r.ctx
	if ctx == nil {
		return
	}
	for _, table := range r.cfg.Tables {
		go r.syncOne(ctx, peerAddr, table)
	}
}

func (r *outboundRunner) syncOne(ctx context.Context, peer, table string) {
	err := r.sched.Run(ctx, peer, table, func(ctx context.Context) error {
		client, ok := r.clients[peer]
		if !ok {
			return nil
		}
		t, err := client.OpenSession(ctx)
		if err != nil {
			r.logger.Warn("failed to open outbound session", zap.String("peer", peer), zap.String("table", table), zap.Error(err))
			return err
		}
		defer t.Close()

		sess := &reconcile.Session{
			Role:        reconcile.RoleInitiator,
			NodeID:      uuid.NewSHA1(uuid.Nil, []byte(r.cfg.NodeID)),
			Table:       table,
			PeerLabel:   peer,
			Transport:   t,
			Store:       r.store,
			Clock:       r.clock,
			Calibrator:  r.clb,
			Checkpoints: r.cp,
			Metrics:     r.m,
			Events:      r.bus,
			Logger:      r.logger,
			Config: reconcile.Config{
				MessageTimeout: r.cfg.MessageTimeout(),
				MaxStagedBytes: r.cfg.Reconciler.MaxStagedBytes,
				ChunkConfig:    r.cfg.ChunkConfig(),
			},
		}
		_, err = sess.Run(ctx)
		return err
	})
	if err != nil {
		r.logger.Debug("outbound session did not complete", zap.String("peer", peer), zap.String("table", table), zap.Error(err))
	}
}
