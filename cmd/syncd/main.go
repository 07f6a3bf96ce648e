// Command syncd runs one notesync node: it accepts incoming
// reconciliation sessions from peers, opens outbound sessions on its own
// schedule, and (if configured with a master) keeps its clock calibrated
// against it, per spec.md §9's deployment shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rachitkumar205/notesync/internal/calibrator"
	"github.com/rachitkumar205/notesync/internal/checkpoint"
	"github.com/rachitkumar205/notesync/internal/config"
	"github.com/rachitkumar205/notesync/internal/events"
	"github.com/rachitkumar205/notesync/internal/health"
	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/metrics"
	"github.com/rachitkumar205/notesync/internal/reconcile"
	"github.com/rachitkumar205/notesync/internal/record"
	"github.com/rachitkumar205/notesync/internal/scheduler"
	"github.com/rachitkumar205/notesync/internal/syncrpc"
	"github.com/rachitkumar205/notesync/internal/transport"
	"github.com/rachitkumar205/notesync/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (optional, defaults are used otherwise)")
	checkpointPath := flag.String("checkpoint-db", "syncd-checkpoints.db", "path to the bbolt checkpoint database")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting notesync node",
		zap.String("node_id", cfg.NodeID),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Strings("peers", cfg.Peers),
		zap.Strings("tables", cfg.Tables))

	m := metrics.New("notesync")

	nodeUUID := uuid.NewSHA1(uuid.Nil, []byte(cfg.NodeID))
	clock := hlc.NewClock(nodeUUID, hlc.Config{
		BackwardFatalMS: time.Duration(cfg.Clock.BackwardFatalMS) * time.Millisecond,
		CatchupStepMS:   time.Duration(cfg.Clock.CatchupStepMS) * time.Millisecond,
	})
	logger.Info("hlc clock initialized", zap.String("node_uuid", nodeUUID.String()))

	store := record.NewMemoryStore()
	logger.Info("record store initialised (in-memory reference store; host applications provide their own)")

	cp, err := checkpoint.OpenBoltStore(*checkpointPath)
	if err != nil {
		logger.Fatal("failed to open checkpoint store", zap.Error(err))
	}
	defer cp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(ctx)
	go logEvents(ctx, bus, logger)

	peerClients := make(map[string]*syncrpc.Client)
	for _, addr := range cfg.Peers {
		c, err := syncrpc.Dial(addr)
		if err != nil {
			logger.Fatal("failed to dial peer", zap.String("peer", addr), zap.Error(err))
		}
		peerClients[addr] = c
		defer c.Close()
	}

	var clb *calibrator.Calibrator
	if cfg.MasterAddr != "" {
		masterClient, ok := peerClients[cfg.MasterAddr]
		if !ok {
			masterClient, err = syncrpc.Dial(cfg.MasterAddr)
			if err != nil {
				logger.Fatal("failed to dial time master", zap.String("master", cfg.MasterAddr), zap.Error(err))
			}
			defer masterClient.Close()
		}
		link := &calibrator.TransportLink{Open: masterClient.OpenSession}
		clb = calibrator.New(link, calibrator.Config{
			Samples:           cfg.Calibration.Samples,
			EmergencySamples:  cfg.Calibration.EmergencySamples,
			OffsetThresholdMS: cfg.Calibration.OffsetThresholdMS,
			TTL:               cfg.CalibrationTTL(),
			EmergencyIQRMaxMS: 200,
		}, logger)
		logger.Info("calibrator initialised against time master", zap.String("master", cfg.MasterAddr))
	} else {
		logger.Info("running master-less: every node trusts its own wall clock")
	}

	sched := scheduler.New(logger)

	handler := syncrpc.NewServer(func(ctx context.Context, peerAddr string, t transport.Transport) {
		serveIncoming(ctx, cfg, clock, clb, store, cp, m, bus, logger, peerAddr, t)
	}, logger)

	grpcServer := grpc.NewServer()
	handler.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	go func() {
		logger.Info("grpc server listening", zap.String("addr", cfg.ListenAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("grpc server failed", zap.Error(err))
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	pingFn := func(pctx context.Context, peerAddr string) (time.Duration, error) {
		c, ok := peerClients[peerAddr]
		if !ok {
			return 0, fmt.Errorf("no client for peer %s", peerAddr)
		}
		start := time.Now()
		t, err := c.OpenSession(pctx)
		if err != nil {
			return 0, err
		}
		defer t.Close()
		if err := t.Send(pctx, wire.TimeQuery{}); err != nil {
			return 0, err
		}
		if _, err := t.Recv(pctx); err != nil {
			return 0, err
		}
		return time.Since(start), nil
	}
	prober := health.New(pingFn, health.Config{
		Interval: cfg.HealthProbeInterval(),
		Timeout:  cfg.HealthProbeTimeout(),
	}, logger, m)

	outbound := &outboundRunner{
		ctx: ctx, cfg: cfg, clock: clock, clb: clb, store: store, cp: cp, m: m, bus: bus, logger: logger,
		sched: sched, clients: peerClients,
	}
	prober.SetHealingListener(outbound)
	prober.Start(ctx, cfg.Peers)
	defer prober.Stop()

	go outbound.runForever(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	cancel()
	grpcServer.GracefulStop()
	metricsServer.Close()
	logger.Info("shutdown complete")
}

func logEvents(ctx context.Context, bus *events.Bus, logger *zap.Logger) {
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			logger.Info("sync event",
				zap.String("kind", string(ev.Kind)),
				zap.String("peer", ev.Peer),
				zap.String("table", ev.Table),
				zap.String("detail", ev.Detail))
		}
	}
}

// serveIncoming runs a responder-side session for one accepted stream.
// The first message on the stream distinguishes a calibration probe
// (TIME_QUERY, answered inline without starting a reconciliation
// session) from a real HELLO opening a sync session, since this node's
// own syncrpc listener serves both roles: time master and sync peer.
func serveIncoming(ctx context.Context, cfg *config.Config, clock *hlc.Clock, clb *calibrator.Calibrator, store record.Store,
	cp checkpoint.Store, m *metrics.Metrics, bus *events.Bus, logger *zap.Logger, peerAddr string, t transport.Transport) {
	msg, err := t.Recv(ctx)
	if err != nil {
		logger.Debug("incoming session closed before first message", zap.String("peer", peerAddr), zap.Error(err))
		return
	}

	switch hello := msg.(type) {
	case wire.TimeQuery:
		now, err := clock.Now()
		if err != nil {
			logger.Warn("failed to read local clock for TIME_REPLY", zap.Error(err))
			return
		}
		_ = t.Send(ctx, wire.TimeReply{MasterMS: int64(now.PhysicalMS)})
		return
	case wire.Hello:
		replayHello(ctx, cfg, clock, clb, store, cp, m, bus, logger, peerAddr, t, hello)
	default:
		logger.Warn("unexpected first message on incoming session", zap.String("peer", peerAddr), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// replayHello runs the responder side of a session that has already
// consumed its Hello message off the wire; it re-threads that Hello
// through a transport.Transport wrapper that returns it first, so
// reconcile.Session's own handshakeResponder (which expects to Recv
// the Hello itself) still gets to see it.
//
// PeerLabel is set to the Hello's NodeID, not the raw socket address:
// peerAddr is the connecting side's ephemeral TCP source address, which
// changes on every reconnect, and Session.sessionID (and so the
// checkpoint key Checkpoints is loaded/saved under) is derived from
// PeerLabel. A label that changes per connection would make every
// reconnect look like a brand new peer to the checkpoint store.
func replayHello(ctx context.Context, cfg *config.Config, clock *hlc.Clock, clb *calibrator.Calibrator, store record.Store,
	cp checkpoint.Store, m *metrics.Metrics, bus *events.Bus, logger *zap.Logger, peerAddr string, t transport.Transport, hello wire.Hello) {
	sess := &reconcile.Session{
		Role:        reconcile.RoleResponder,
		NodeID:      uuid.NewSHA1(uuid.Nil, []byte(cfg.NodeID)),
		Table:       hello.Table,
		PeerLabel:   hello.NodeID.String(),
		Transport:   &prefetched{Transport: t, first: hello},
		Store:       store,
		Clock:       clock,
		Calibrator:  clb,
		Checkpoints: cp,
		Metrics:     m,
		Events:      bus,
		Logger:      logger,
		Config: reconcile.Config{
			MessageTimeout: cfg.MessageTimeout(),
			MaxStagedBytes: cfg.Reconciler.MaxStagedBytes,
			ChunkConfig:    cfg.ChunkConfig(),
		},
	}
	if _, err := sess.Run(ctx); err != nil {
		logger.Warn("incoming session failed", zap.String("peer", peerAddr), zap.Error(err))
	}
}

// prefetched wraps a transport.Transport so the first Recv returns an
// already-consumed message instead of reading the wire again.
type prefetched struct {
	transport.Transport
	first any
	used  bool
}

func (p *prefetched) Recv(ctx context.Context) (any, error) {
	if !p.used {
		p.used = true
		return p.first, nil
	}
	return p.Transport.Recv(ctx)
}
