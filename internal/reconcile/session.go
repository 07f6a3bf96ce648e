// Package reconcile drives one pairwise reconciliation session between an
// Initiator and a Responder over a transport.Transport, for exactly one
// table. It implements the tombstone-free two-phase protocol from
// spec.md §4.5: Handshake establishes a common sync horizon, Calibrate
// refreshes each side's clock offset independently, Diff finds which
// chunks disagree, Resolve classifies the disagreeing rows into
// historical deletes and recent LWW-resolved inserts/updates, and Commit
// stages and votes on the resulting batch before either side mutates its
// store.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/calibrator"
	"github.com/rachitkumar205/notesync/internal/checkpoint"
	"github.com/rachitkumar205/notesync/internal/chunk"
	"github.com/rachitkumar205/notesync/internal/events"
	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/metrics"
	"github.com/rachitkumar205/notesync/internal/record"
	"github.com/rachitkumar205/notesync/internal/syncerr"
	"github.com/rachitkumar205/notesync/internal/transport"
	"github.com/rachitkumar205/notesync/internal/wire"
	"go.uber.org/zap"
)

// Role distinguishes the session-opening side from the accepting side.
// The protocol is otherwise symmetric: both sides classify rows and
// apply mutations to their own store independently.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State names one step of the session state machine, per spec.md §4.5.
type State string

const (
	StateIdle      State = "idle"
	StateHandshake State = "handshake"
	StateCalibrate State = "calibrate"
	StateDiff      State = "diff"
	StateResolve   State = "resolve"
	StateCommit    State = "commit"
	StateDone      State = "done"
	StateAborted   State = "aborted"
)

// Config bundles the per-session tunables from spec.md §6.
type Config struct {
	MessageTimeout time.Duration
	MaxStagedBytes int64
	ChunkConfig    chunk.Config
}

// Session runs the protocol for one (peer, table) pair. A Session is
// single-use: create a new one per reconciliation attempt.
type Session struct {
	Role      Role
	NodeID    uuid.UUID
	Table     string
	PeerLabel string // for metrics/events only, not part of the protocol

	Transport   transport.Transport
	Store       record.Store
	Clock       *hlc.Clock
	Calibrator  *calibrator.Calibrator // nil disables Calibrate (master-less deployments)
	Checkpoints checkpoint.Store
	Metrics     *metrics.Metrics
	Events      *events.Bus
	Logger      *zap.Logger

	Config Config

	sessionID string
	state     State
	syncLo    hlc.HLC
	maxHLC    hlc.HLC // running max of every modified_hlc observed this session
}

// Result summarizes a completed session's outcome.
type Result struct {
	State             State
	RowsDeleted       int
	RowsInserted      int
	ConflictsResolved int
}

func (s *Session) setState(st State) {
	s.state = st
	if s.Metrics != nil {
		s.Metrics.SessionState.WithLabelValues(s.PeerLabel, s.Table, string(st)).Set(1)
	}
	if s.Logger != nil {
		s.Logger.Debug("session state transition",
			zap.String("role", s.Role.String()), zap.String("table", s.Table), zap.String("state", string(st)))
	}
}

// observeHLC folds h into the session's running max_hlc_seen, used to set
// last_sync_time on a successful Commit (spec.md §4.5).
func (s *Session) observeHLC(h hlc.HLC) {
	if h.Compare(s.maxHLC) > 0 {
		s.maxHLC = h
	}
}

// Run executes the full state machine to completion. It never panics on
// protocol errors; every failure path returns through abort so both
// local bookkeeping and (best-effort) peer notification happen the same
// way regardless of which phase failed.
func (s *Session) Run(ctx context.Context) (Result, error) {
	s.sessionID = s.PeerLabel + "/" + s.Table
	s.setState(StateIdle)

	if s.Metrics != nil {
		s.Metrics.SessionsStarted.Inc()
	}
	if s.Events != nil {
		s.Events.Publish(events.Event{Kind: events.KindSessionStarted, Peer: s.PeerLabel, Table: s.Table})
	}
	start := time.Now()

	var (
		res Result
		err error
	)
	switch s.Role {
	case RoleInitiator:
		res, err = s.runInitiator(ctx)
	case RoleResponder:
		res, err = s.runResponder(ctx)
	default:
		err = fmt.Errorf("reconcile: unknown role %v", s.Role)
	}

	if s.Metrics != nil {
		s.Metrics.SessionDuration.WithLabelValues(s.Table).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		return s.abort(ctx, err)
	}

	s.setState(StateDone)
	if s.Metrics != nil {
		s.Metrics.SessionsCompleted.WithLabelValues("committed").Inc()
	}
	if s.Events != nil {
		s.Events.Publish(events.Event{Kind: events.KindSessionCompleted, Peer: s.PeerLabel, Table: s.Table})
	}
	res.State = StateDone
	return res, nil
}

// abort transitions to Aborted, best-effort notifies the peer, records
// metrics/events, and returns the original error to the caller.
func (s *Session) abort(ctx context.Context, cause error) (Result, error) {
	s.setState(StateAborted)

	kind := syncerr.KindProtocolViolation
	if se, ok := cause.(*syncerr.Error); ok {
		kind = se.Kind
	}

	if s.Transport != nil {
		sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.Transport.Send(sendCtx, wire.ErrorMsg{Kind: string(kind), Detail: cause.Error()})
		cancel()
	}

	if s.Metrics != nil {
		s.Metrics.SessionsCompleted.WithLabelValues("aborted").Inc()
		s.Metrics.RecordError(string(kind))
	}
	if kind == syncerr.KindWaitingForMaster && s.Events != nil {
		s.Events.Publish(events.Event{Kind: events.KindAwaitingMaster, Peer: s.PeerLabel, Table: s.Table, Detail: cause.Error()})
	} else if s.Events != nil {
		s.Events.Publish(events.Event{Kind: events.KindSessionFailed, Peer: s.PeerLabel, Table: s.Table, Detail: cause.Error()})
	}

	return Result{State: StateAborted}, cause
}

// msgCtx returns a context bounded by Config.MessageTimeout, falling
// back to ctx unbounded if no timeout was configured.
func (s *Session) msgCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Config.MessageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Config.MessageTimeout)
}

func (s *Session) send(ctx context.Context, msg any) error {
	c, cancel := s.msgCtx(ctx)
	defer cancel()
	if err := s.Transport.Send(c, msg); err != nil {
		if err == context.DeadlineExceeded {
			if s.Metrics != nil {
				s.Metrics.MessageTimeouts.Inc()
			}
			return syncerr.Wrap(syncerr.KindTransportTimeout, "send timed out", err)
		}
		return syncerr.Wrap(syncerr.KindTransportClosed, "send failed", err)
	}
	if s.Metrics != nil {
		if _, payload, err := wire.Marshal(msg); err == nil {
			s.Metrics.BytesSent.Add(float64(len(payload) + 1))
		}
	}
	return nil
}

func (s *Session) recv(ctx context.Context) (any, error) {
	c, cancel := s.msgCtx(ctx)
	defer cancel()
	msg, err := s.Transport.Recv(c)
	if err != nil {
		if err == context.DeadlineExceeded {
			if s.Metrics != nil {
				s.Metrics.MessageTimeouts.Inc()
			}
			return nil, syncerr.Wrap(syncerr.KindTransportTimeout, "recv timed out", err)
		}
		return nil, syncerr.Wrap(syncerr.KindTransportClosed, "recv failed", err)
	}
	if s.Metrics != nil {
		if _, payload, err := wire.Marshal(msg); err == nil {
			s.Metrics.BytesReceived.Add(float64(len(payload) + 1))
		}
	}
	return msg, nil
}

// nowHLC issues the next local HLC timestamp, recording a backward-jump
// metric only when the clock fatally rejects the reading.
func (s *Session) nowHLC() (hlc.HLC, error) {
	h, err := s.Clock.Now()
	if err != nil {
		if s.Metrics != nil {
			if se, ok := err.(*syncerr.Error); ok && se.Kind == syncerr.KindClockBackwardFatal {
				s.Metrics.BackwardJumps.Inc()
			}
		}
		return hlc.HLC{}, err
	}
	return h, nil
}
