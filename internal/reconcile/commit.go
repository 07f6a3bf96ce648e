package reconcile

import (
	"context"
	"fmt"

	"github.com/rachitkumar205/notesync/internal/record"
	"github.com/rachitkumar205/notesync/internal/syncerr"
	"github.com/rachitkumar205/notesync/internal/wire"
)

// stagedSize estimates the byte cost of a batch for the
// MAX_STAGED_BYTES backpressure check (spec.md §5): payload bytes plus a
// fixed per-row overhead for the key and HLC fields.
func stagedSize(batch record.Batch) int64 {
	var n int64
	for _, m := range batch.Mutations {
		n += int64(len(m.Record.EntityKey)) + int64(len(m.Record.Payload)) + 64
	}
	return n
}

// buildBatch turns this node's deletes and fetched rows into a
// record.Batch, along with the metadata update that must land in the
// same atomic commit. Each fetched row is re-checked against whatever
// is currently in the local store via rowWins before being staged: the
// plan was built from a snapshot taken before the FETCH/PAYLOAD
// exchange, so without this check a peer row that lost the LWW
// comparison against the local row at plan time (or a row the local
// side mutated concurrently) could still land as a blind overwrite.
// This is defense in depth on top of buildPlan's own classification,
// not a substitute for it.
func (s *Session) buildBatch(ctx context.Context, deletes []wire.RowDescriptor, fetched []wire.FullRecord) (record.Batch, error) {
	var batch record.Batch
	for _, d := range deletes {
		batch.Mutations = append(batch.Mutations, record.Mutation{
			Kind:   record.Delete,
			Record: record.Record{EntityKey: d.EntityKey},
		})
	}
	for _, fr := range fetched {
		local, ok, err := s.Store.Get(ctx, s.Table, fr.EntityKey)
		if err != nil {
			return record.Batch{}, syncerr.Wrap(syncerr.KindStorageUnavailable, "check local row before apply", err)
		}
		if ok && rowWins(recordToDescriptor(local), fullRecordToDescriptor(fr)) {
			continue // local row already wins; the fetched version is stale
		}
		batch.Mutations = append(batch.Mutations, record.Mutation{
			Kind:   record.Update,
			Record: fullRecordToRecord(fr),
		})
	}

	offsetMS := int64(0)
	if s.Calibrator != nil {
		offsetMS = s.Calibrator.OffsetMS()
	}
	var nodeID [16]byte
	copy(nodeID[:], s.NodeID[:])
	batch.NewMetadata = &record.Metadata{
		NodeID:         nodeID,
		LastSyncTime:   s.maxHLC,
		MasterOffsetMS: offsetMS,
	}
	return batch, nil
}

// commit stages batch locally, exchanges a commit vote with the peer,
// and applies the batch only if both sides voted Ok — otherwise both
// roll back to their pre-session state. voteFirst mirrors exchangeFetch's
// turn-order split: the Initiator votes first, the Responder replies.
func (s *Session) commit(ctx context.Context, batch record.Batch, voteFirst bool) (Result, error) {
	s.setState(StateCommit)

	myVote := wire.CommitVote{Ok: true}
	if s.Config.MaxStagedBytes > 0 && stagedSize(batch) > s.Config.MaxStagedBytes {
		myVote = wire.CommitVote{Ok: false, Reason: "staged batch exceeds max_staged_bytes"}
	}

	var peerVote wire.CommitVote
	if voteFirst {
		if err := s.send(ctx, myVote); err != nil {
			return Result{}, err
		}
		v, err := s.recvVote(ctx)
		if err != nil {
			return Result{}, err
		}
		peerVote = v
	} else {
		v, err := s.recvVote(ctx)
		if err != nil {
			return Result{}, err
		}
		peerVote = v
		if err := s.send(ctx, myVote); err != nil {
			return Result{}, err
		}
	}

	if !myVote.Ok || !peerVote.Ok {
		return Result{}, syncerr.New(syncerr.KindConflictOnWrite, "peer or local commit vote rejected the staged batch")
	}

	if err := s.Store.Apply(ctx, s.Table, batch); err != nil {
		return Result{}, syncerr.Wrap(syncerr.KindStorageUnavailable, "apply committed batch", err)
	}

	if s.Checkpoints != nil {
		_ = s.Checkpoints.Clear(ctx, s.sessionID, s.Table)
	}

	if err := s.exchangeCommitAck(ctx, voteFirst); err != nil {
		return Result{}, err
	}

	res := Result{}
	for _, m := range batch.Mutations {
		switch m.Kind {
		case record.Delete:
			res.RowsDeleted++
		case record.Insert, record.Update:
			res.RowsInserted++
		}
	}
	if s.Metrics != nil {
		s.Metrics.RowsDeletedHistorical.Add(float64(res.RowsDeleted))
		s.Metrics.RowsInsertedRecent.Add(float64(res.RowsInserted))
	}
	return res, nil
}

func (s *Session) recvVote(ctx context.Context) (wire.CommitVote, error) {
	msg, err := s.recv(ctx)
	if err != nil {
		return wire.CommitVote{}, err
	}
	v, ok := msg.(wire.CommitVote)
	if !ok {
		return wire.CommitVote{}, syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected COMMIT_VOTE, got %T", msg))
	}
	return v, nil
}

func (s *Session) exchangeCommitAck(ctx context.Context, sendFirst bool) error {
	if sendFirst {
		if err := s.send(ctx, wire.CommitAck{}); err != nil {
			return err
		}
		return s.recvCommitAck(ctx)
	}
	if err := s.recvCommitAck(ctx); err != nil {
		return err
	}
	return s.send(ctx, wire.CommitAck{})
}

func (s *Session) recvCommitAck(ctx context.Context) error {
	msg, err := s.recv(ctx)
	if err != nil {
		return err
	}
	if _, ok := msg.(wire.CommitAck); !ok {
		return syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected COMMIT_ACK, got %T", msg))
	}
	return nil
}
