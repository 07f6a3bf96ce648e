package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/rachitkumar205/notesync/internal/checkpoint"
	"github.com/rachitkumar205/notesync/internal/chunk"
	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/record"
	"github.com/rachitkumar205/notesync/internal/syncerr"
	"github.com/rachitkumar205/notesync/internal/wire"
	"go.uber.org/zap"
)

// rangeKey identifies a chunk range for matching across the two sides'
// descriptor lists; chunk boundaries are content-derived so a range that
// hashes identically on both sides is guaranteed converged.
type rangeKey struct {
	lo, hi hlc.HLC
}

// diffRange is one range the two sides disagree about (or agree to
// disagree: present on only one side), paired with both sides' full row
// descriptors once drilled.
type diffRange struct {
	lo, hi hlc.HLC
	mine   []wire.RowDescriptor
	peer   []wire.RowDescriptor
}

func chunkToWire(d chunk.Descriptor) wire.ChunkDescriptor {
	return wire.ChunkDescriptor{Lo: d.Lo, Hi: d.Hi, Count: d.Count, Hash: d.Hash}
}

// localChunks computes this node's chunk index for the whole table, then
// reconciles it against any checkpoint left by a prior, interrupted
// attempt at this same (peer, table) pair (spec.md §4.6). Because this
// implementation stages every mutation into one atomic Commit rather
// than applying chunks as it goes, a resumed session always re-derives
// its diff in full — checkpoint validity only gates whether the prior
// progress marker is trustworthy enough to keep, or must be discarded
// per the spec's "checksum mismatch invalidates the checkpoint" rule.
func (s *Session) localChunks(ctx context.Context, now hlc.HLC) ([]wire.ChunkDescriptor, error) {
	cur, err := s.Store.EnumerateRange(ctx, s.Table, hlc.HLC{}, hlc.PosInf)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindStorageUnavailable, "enumerate table for chunking", err)
	}
	defer cur.Close()

	c := chunk.New(s.Config.ChunkConfig)
	descs, err := c.Chunk(ctx, cur, now)
	if err != nil {
		return nil, err
	}

	out := make([]wire.ChunkDescriptor, len(descs))
	for i, d := range descs {
		out[i] = chunkToWire(d)
	}
	if s.Metrics != nil {
		s.Metrics.ChunksComputed.Observe(float64(len(out)))
	}

	s.reconcileCheckpoint(ctx, out)
	return out, nil
}

// reconcileCheckpoint loads any checkpoint left by a previous attempt at
// this (peer, table) session and checks it against the freshly computed
// chunk index. A checkpoint whose recorded chunk hash no longer matches
// the current chunk at the same boundary means the underlying data moved
// since it was written, so it is discarded (spec.md §4.6: "on mismatch
// ... the checkpoint is discarded and the session restarts from
// scratch"). A still-valid checkpoint is left in place and counted as a
// resumed session; it is replaced with fresh progress once this attempt
// itself finishes diffing, in saveCheckpoint below.
func (s *Session) reconcileCheckpoint(ctx context.Context, chunks []wire.ChunkDescriptor) {
	if s.Checkpoints == nil {
		return
	}
	rec, ok, err := s.Checkpoints.Load(ctx, s.sessionID, s.Table)
	if err != nil || !ok {
		return
	}

	for _, d := range chunks {
		if d.Hi != rec.LastCompletedChunkHi {
			continue
		}
		if checkpoint.Valid(rec, d.Hash) {
			if s.Metrics != nil {
				s.Metrics.SessionsResumed.Inc()
			}
			if s.Logger != nil {
				s.Logger.Info("found a still-valid checkpoint from a prior attempt",
					zap.String("table", s.Table), zap.String("peer", s.PeerLabel))
			}
			return
		}
		break
	}

	// Either the boundary chunk is gone or its hash no longer matches:
	// the checkpoint can't be trusted, so drop it rather than let a
	// future reader of this session act on stale progress.
	if s.Metrics != nil {
		s.Metrics.CheckpointsInvalid.Inc()
	}
	if s.Logger != nil {
		s.Logger.Warn("discarding stale checkpoint, diff restarts from scratch",
			zap.String("table", s.Table), zap.String("peer", s.PeerLabel))
	}
	_ = s.Checkpoints.Clear(ctx, s.sessionID, s.Table)
}

// saveCheckpoint persists this attempt's progress once its own chunk
// index is known, so a session that later dies before Commit leaves a
// marker a subsequent attempt can validate against. The last chunk in
// the (ordered) index is the furthest point this attempt diffed to.
func (s *Session) saveCheckpoint(ctx context.Context, chunks []wire.ChunkDescriptor) {
	if s.Checkpoints == nil || len(chunks) == 0 {
		return
	}
	last := chunks[len(chunks)-1]
	err := s.Checkpoints.Save(ctx, checkpoint.Record{
		SessionID:            s.sessionID,
		Table:                s.Table,
		LastCompletedChunkHi: last.Hi,
		ChunkHash:            last.Hash,
	})
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("failed to persist checkpoint", zap.Error(err))
		}
		return
	}
	if s.Metrics != nil {
		s.Metrics.CheckpointsSaved.Inc()
	}
}

// mismatchedRanges returns the (lo,hi) ranges present in exactly one of
// mine/peer, or present in both with differing hashes — the set that
// needs a DRILL, per spec.md §4.5.
func mismatchedRanges(mine, peer []wire.ChunkDescriptor) []rangeKey {
	mineByRange := make(map[rangeKey]wire.ChunkDescriptor, len(mine))
	for _, d := range mine {
		mineByRange[rangeKey{d.Lo, d.Hi}] = d
	}
	peerByRange := make(map[rangeKey]wire.ChunkDescriptor, len(peer))
	for _, d := range peer {
		peerByRange[rangeKey{d.Lo, d.Hi}] = d
	}

	seen := make(map[rangeKey]struct{})
	var out []rangeKey
	for k, md := range mineByRange {
		seen[k] = struct{}{}
		if pd, ok := peerByRange[k]; !ok || pd.Hash != md.Hash {
			out = append(out, k)
		}
	}
	for k := range peerByRange {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].lo.Compare(out[j].lo) < 0 })
	return out
}

// rowDescriptorsInRange enumerates this node's own rows in [lo,hi]
// inclusive as wire.RowDescriptor, the payload-free shape exchanged
// during a drill. hi is inclusive because chunk.Descriptor.Hi names the
// last row actually hashed into the chunk, not an exclusive boundary.
func (s *Session) rowDescriptorsInRange(ctx context.Context, lo, hi hlc.HLC) ([]wire.RowDescriptor, error) {
	cur, err := s.Store.EnumerateRange(ctx, s.Table, lo, hlc.PosInf)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindStorageUnavailable, "enumerate drilled range", err)
	}
	defer cur.Close()

	var out []wire.RowDescriptor
	for {
		r, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if r.ModifiedHLC.Compare(hi) > 0 {
			break
		}
		out = append(out, recordToDescriptor(r))
		s.observeHLC(r.ModifiedHLC)
	}
	return out, nil
}

func recordToDescriptor(r record.Record) wire.RowDescriptor {
	return wire.RowDescriptor{
		EntityKey:   r.EntityKey,
		CreatedHLC:  r.CreatedHLC,
		ModifiedHLC: r.ModifiedHLC,
		PayloadHash: r.PayloadHash,
	}
}

// diffInitiator exchanges CHUNKS, drills every mismatched range, and
// returns the combined per-range row sets for resolve().
func (s *Session) diffInitiator(ctx context.Context) ([]diffRange, error) {
	s.setState(StateDiff)

	now, err := s.nowHLC()
	if err != nil {
		return nil, err
	}
	myChunks, err := s.localChunks(ctx, now)
	if err != nil {
		return nil, err
	}

	if err := s.send(ctx, wire.Chunks{Chunks: myChunks}); err != nil {
		return nil, err
	}
	msg, err := s.recv(ctx)
	if err != nil {
		return nil, err
	}
	peerChunksMsg, ok := msg.(wire.Chunks)
	if !ok {
		return nil, syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected CHUNKS, got %T", msg))
	}

	ranges := mismatchedRanges(myChunks, peerChunksMsg.Chunks)
	if s.Metrics != nil {
		s.Metrics.ChunksMismatched.Add(float64(len(ranges)))
	}

	out := make([]diffRange, 0, len(ranges))
	for _, rk := range ranges {
		dr, err := s.drillAsInitiator(ctx, rk.lo, rk.hi)
		if err != nil {
			return nil, err
		}
		out = append(out, dr)
	}
	s.saveCheckpoint(ctx, myChunks)
	return out, nil
}

// diffResponder mirrors diffInitiator: receive CHUNKS, reply with our
// own, then react to each DRILL the initiator sends.
func (s *Session) diffResponder(ctx context.Context) ([]diffRange, error) {
	s.setState(StateDiff)

	msg, err := s.recv(ctx)
	if err != nil {
		return nil, err
	}
	peerChunksMsg, ok := msg.(wire.Chunks)
	if !ok {
		return nil, syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected CHUNKS, got %T", msg))
	}

	now, err := s.nowHLC()
	if err != nil {
		return nil, err
	}
	myChunks, err := s.localChunks(ctx, now)
	if err != nil {
		return nil, err
	}
	if err := s.send(ctx, wire.Chunks{Chunks: myChunks}); err != nil {
		return nil, err
	}

	ranges := mismatchedRanges(myChunks, peerChunksMsg.Chunks)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].lo.Compare(ranges[j].lo) < 0 })

	out := make([]diffRange, 0, len(ranges))
	for range ranges {
		dr, err := s.drillAsResponder(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, dr)
	}
	s.saveCheckpoint(ctx, myChunks)
	return out, nil
}

// drillAsInitiator requests a row listing for [lo,hi] (both ends
// inclusive), shares its own listing unsolicited, and waits for the
// peer's in reply. ROWS flows both ways around a single DRILL, so each
// side ends up with both listings without a second request message.
func (s *Session) drillAsInitiator(ctx context.Context, lo, hi hlc.HLC) (diffRange, error) {
	mine, err := s.rowDescriptorsInRange(ctx, lo, hi)
	if err != nil {
		return diffRange{}, err
	}

	if err := s.send(ctx, wire.Drill{Lo: lo, Hi: hi}); err != nil {
		return diffRange{}, err
	}
	if err := s.send(ctx, wire.Rows{Lo: lo, Hi: hi, Rows: mine}); err != nil {
		return diffRange{}, err
	}

	msg, err := s.recv(ctx)
	if err != nil {
		return diffRange{}, err
	}
	peerRows, ok := msg.(wire.Rows)
	if !ok {
		return diffRange{}, syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected ROWS, got %T", msg))
	}
	for _, rd := range peerRows.Rows {
		s.observeHLC(rd.ModifiedHLC)
	}

	if s.Metrics != nil {
		s.Metrics.RowsDrilled.Add(float64(len(mine) + len(peerRows.Rows)))
	}
	return diffRange{lo: lo, hi: hi, mine: mine, peer: peerRows.Rows}, nil
}

// drillAsResponder reacts to one DRILL: reply with our own row listing,
// then read the initiator's listing that follows it.
func (s *Session) drillAsResponder(ctx context.Context) (diffRange, error) {
	msg, err := s.recv(ctx)
	if err != nil {
		return diffRange{}, err
	}
	drill, ok := msg.(wire.Drill)
	if !ok {
		return diffRange{}, syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected DRILL, got %T", msg))
	}

	mine, err := s.rowDescriptorsInRange(ctx, drill.Lo, drill.Hi)
	if err != nil {
		return diffRange{}, err
	}
	if err := s.send(ctx, wire.Rows{Lo: drill.Lo, Hi: drill.Hi, Rows: mine}); err != nil {
		return diffRange{}, err
	}

	msg, err = s.recv(ctx)
	if err != nil {
		return diffRange{}, err
	}
	peerRows, ok := msg.(wire.Rows)
	if !ok {
		return diffRange{}, syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected ROWS, got %T", msg))
	}
	for _, rd := range peerRows.Rows {
		s.observeHLC(rd.ModifiedHLC)
	}

	if s.Metrics != nil {
		s.Metrics.RowsDrilled.Add(float64(len(mine) + len(peerRows.Rows)))
	}
	return diffRange{lo: drill.Lo, hi: drill.Hi, mine: mine, peer: peerRows.Rows}, nil
}
