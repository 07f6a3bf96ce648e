package reconcile

import (
	"context"
	"fmt"

	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/syncerr"
	"github.com/rachitkumar205/notesync/internal/wire"
)

// handshakeInitiator sends Hello, waits for HelloAck (or ErrorMsg), and
// computes sync_lo = min(last_sync_time_I, last_sync_time_R).
func (s *Session) handshakeInitiator(ctx context.Context) error {
	s.setState(StateHandshake)

	meta, err := s.Store.ReadMetadata(ctx, s.Table)
	if err != nil {
		return syncerr.Wrap(syncerr.KindStorageUnavailable, "read local metadata", err)
	}

	if err := s.send(ctx, wire.Hello{
		NodeID:          s.NodeID,
		ProtocolVersion: wire.ProtocolVersion,
		Table:           s.Table,
		LastSyncTime:    meta.LastSyncTime,
	}); err != nil {
		return err
	}

	reply, err := s.recv(ctx)
	if err != nil {
		return err
	}

	switch m := reply.(type) {
	case wire.HelloAck:
		s.syncLo = minHLC(meta.LastSyncTime, m.LastSyncTime)
		s.observeHLC(meta.LastSyncTime)
		s.observeHLC(m.LastSyncTime)
		return nil
	case wire.ErrorMsg:
		return syncerr.New(syncerr.Kind(m.Kind), m.Detail)
	default:
		return syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected HELLO_ACK, got %T", reply))
	}
}

// handshakeResponder waits for Hello, rejects an incompatible protocol
// version, and replies with HelloAck.
func (s *Session) handshakeResponder(ctx context.Context) error {
	s.setState(StateHandshake)

	msg, err := s.recv(ctx)
	if err != nil {
		return err
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		return syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected HELLO, got %T", msg))
	}

	if hello.ProtocolVersion != wire.ProtocolVersion {
		detail := fmt.Sprintf("peer speaks protocol version %d, this node speaks %d", hello.ProtocolVersion, wire.ProtocolVersion)
		_ = s.send(ctx, wire.ErrorMsg{Kind: string(syncerr.KindIncompatibleVer), Detail: detail})
		return syncerr.New(syncerr.KindIncompatibleVer, detail)
	}
	if hello.Table != s.Table {
		detail := fmt.Sprintf("peer requested table %q, session opened for %q", hello.Table, s.Table)
		_ = s.send(ctx, wire.ErrorMsg{Kind: string(syncerr.KindProtocolViolation), Detail: detail})
		return syncerr.New(syncerr.KindProtocolViolation, detail)
	}

	meta, err := s.Store.ReadMetadata(ctx, s.Table)
	if err != nil {
		return syncerr.Wrap(syncerr.KindStorageUnavailable, "read local metadata", err)
	}

	if err := s.send(ctx, wire.HelloAck{NodeID: s.NodeID, LastSyncTime: meta.LastSyncTime}); err != nil {
		return err
	}

	s.syncLo = minHLC(meta.LastSyncTime, hello.LastSyncTime)
	s.observeHLC(meta.LastSyncTime)
	s.observeHLC(hello.LastSyncTime)
	return nil
}

func minHLC(a, b hlc.HLC) hlc.HLC {
	if a.Compare(b) <= 0 {
		return a
	}
	return b
}

// calibrate refreshes the node's own clock offset if it is stale, per
// spec.md §4.2/§4.5. It runs against this node's designated master over
// the Calibrator's own MasterLink, entirely independent of the session
// Transport to the sync peer — the two sides of a session each run this
// step against their own master and exchange no messages for it.
func (s *Session) calibrate(ctx context.Context) error {
	s.setState(StateCalibrate)

	if s.Calibrator == nil {
		return nil
	}
	if !s.Calibrator.Stale() {
		return nil
	}

	if err := s.Calibrator.Calibrate(ctx); err != nil {
		if s.Metrics != nil {
			s.Metrics.CalibrationsTotal.WithLabelValues("failed").Inc()
		}
		return err
	}

	s.Clock.SetMasterOffset(s.Calibrator.OffsetMS())
	if s.Metrics != nil {
		s.Metrics.CalibrationsTotal.WithLabelValues("ok").Inc()
		s.Metrics.ClockOffset.WithLabelValues(s.PeerLabel).Set(float64(s.Calibrator.OffsetMS()))
		s.Metrics.ClockDrift.WithLabelValues(s.PeerLabel).Set(float64(s.Calibrator.DriftMS()))
	}
	return nil
}
