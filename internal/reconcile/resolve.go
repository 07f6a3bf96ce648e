package reconcile

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/record"
	"github.com/rachitkumar205/notesync/internal/syncerr"
	"github.com/rachitkumar205/notesync/internal/wire"
)

// plan is this node's share of a session's resolution: what to delete
// locally without any peer involvement, and what full rows it still
// needs fetched from the peer before it can apply the rest.
type plan struct {
	deletes []wire.RowDescriptor // historical, present only on this side (I2/Phase 1)
	needed  []wire.RowDescriptor // recent, missing here or lost the LWW conflict (Phase 2)
}

// rowWins reports whether a's version should be kept over b's for the
// same entity key: the greater modified_hlc wins, and on an exact
// (physical_ms, counter) tie the row mastered by the numerically smaller
// node_id wins (I2) — the inverse of hlc.HLC.Compare's own node_id
// tiebreak, which exists only to give Clock a total order for its own
// bookkeeping and is not the conflict-resolution rule.
func rowWins(a, b wire.RowDescriptor) bool {
	if a.ModifiedHLC.PhysicalMS != b.ModifiedHLC.PhysicalMS {
		return a.ModifiedHLC.PhysicalMS > b.ModifiedHLC.PhysicalMS
	}
	if a.ModifiedHLC.Counter != b.ModifiedHLC.Counter {
		return a.ModifiedHLC.Counter > b.ModifiedHLC.Counter
	}
	return bytes.Compare(a.ModifiedHLC.NodeID[:], b.ModifiedHLC.NodeID[:]) <= 0
}

// classifyRows classifies every entity_key seen across the whole
// session's drilled ranges into this side's plan. mineByKey and
// peerByKey are keyed by entity_key over the UNION of every drilled
// range's rows, not a single range: a row whose modified_hlc disagrees
// between the two sides sorts into a different (modified_hlc,
// entity_key) position on each side, and so can land in a different
// [lo,hi] chunk boundary on each side entirely. Comparing range-by-range
// would see that row as a presence-only difference in two unrelated
// ranges instead of the single value conflict it actually is, so
// classification only runs once the two sides' rows from every range
// have been merged into one global view per entity_key.
//
// Row-presence differences are partitioned by sync_lo per spec.md §4.5:
// historical absence-only differences are deleted (Phase 1, strict
// intersection); recent absence-only differences are inserted (Phase 2,
// union). A row present on both sides with differing payload hashes is a
// genuine value conflict rather than a presence difference, and is
// always resolved by LWW regardless of which phase its modified_hlc
// falls in — phase partitioning governs presence, not value conflicts.
func classifyRows(mineByKey, peerByKey map[string]wire.RowDescriptor, syncLo hlc.HLC) plan {
	var p plan
	for k, mr := range mineByKey {
		pr, ok := peerByKey[k]
		if !ok {
			if mr.ModifiedHLC.Compare(syncLo) < 0 {
				p.deletes = append(p.deletes, mr)
			}
			// recent, mine-only: nothing for me to do, peer will fetch it
			continue
		}
		if mr.PayloadHash == pr.PayloadHash {
			continue // converged
		}
		if rowWins(pr, mr) {
			p.needed = append(p.needed, pr)
		}
		// else mine wins; peer will fetch my version
	}
	for k, pr := range peerByKey {
		if _, ok := mineByKey[k]; ok {
			continue
		}
		if pr.ModifiedHLC.Compare(syncLo) < 0 {
			continue // historical, peer-only: peer deletes it locally, not me
		}
		p.needed = append(p.needed, pr)
	}
	return p
}

// buildPlan merges every drilled range's row descriptors into one
// entity_key-keyed view per side before classifying, so a conflicting
// row split across two different ranges by the two sides' disagreeing
// modified_hlc values is still matched and resolved by LWW. See
// classifyRows for why this cannot be done range-by-range.
func (s *Session) buildPlan(ranges []diffRange) plan {
	mineByKey := make(map[string]wire.RowDescriptor)
	peerByKey := make(map[string]wire.RowDescriptor)
	for _, dr := range ranges {
		for _, r := range dr.mine {
			mineByKey[string(r.EntityKey)] = r
		}
		for _, r := range dr.peer {
			peerByKey[string(r.EntityKey)] = r
		}
	}
	return classifyRows(mineByKey, peerByKey, s.syncLo)
}

func entityKeys(rows []wire.RowDescriptor) [][]byte {
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = r.EntityKey
	}
	return out
}

// fetchOwed looks up keys in the local store and returns their full
// records, for answering a peer's FETCH.
func (s *Session) fetchOwed(ctx context.Context, keys [][]byte) ([]wire.FullRecord, error) {
	out := make([]wire.FullRecord, 0, len(keys))
	for _, k := range keys {
		r, ok, err := s.Store.Get(ctx, s.Table, k)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.KindStorageUnavailable, "get row for FETCH reply", err)
		}
		if !ok {
			// Already deleted locally (e.g. raced with a concurrent local
			// write); the peer's FETCH for this key simply goes unanswered.
			continue
		}
		out = append(out, wire.FullRecord{
			EntityKey:   r.EntityKey,
			CreatedHLC:  r.CreatedHLC,
			ModifiedHLC: r.ModifiedHLC,
			PayloadHash: r.PayloadHash,
			Payload:     r.Payload,
		})
	}
	return out, nil
}

func fullRecordToRecord(fr wire.FullRecord) record.Record {
	return record.Record{
		EntityKey:   fr.EntityKey,
		CreatedHLC:  fr.CreatedHLC,
		ModifiedHLC: fr.ModifiedHLC,
		PayloadHash: fr.PayloadHash,
		Payload:     fr.Payload,
	}
}

func fullRecordToDescriptor(fr wire.FullRecord) wire.RowDescriptor {
	return wire.RowDescriptor{
		EntityKey:   fr.EntityKey,
		CreatedHLC:  fr.CreatedHLC,
		ModifiedHLC: fr.ModifiedHLC,
		PayloadHash: fr.PayloadHash,
	}
}

// resolveInitiator runs the FETCH/PAYLOAD exchange in a fixed turn
// order: the Initiator fetches what it needs first, then serves
// whatever the Responder asks for in turn. Returns the rows this node
// must insert/update, alongside the deletes already known from plan.
func (s *Session) resolveInitiator(ctx context.Context, p plan) ([]wire.FullRecord, error) {
	s.setState(StateResolve)
	return s.exchangeFetch(ctx, p, true)
}

func (s *Session) resolveResponder(ctx context.Context, p plan) ([]wire.FullRecord, error) {
	s.setState(StateResolve)
	return s.exchangeFetch(ctx, p, false)
}

// exchangeFetch performs this side's half of the FETCH/PAYLOAD turn
// order. fetchFirst is true for the Initiator, false for the Responder,
// so exactly one side sends before receiving and the two meet in the
// middle without either blocking on the other indefinitely.
func (s *Session) exchangeFetch(ctx context.Context, p plan, fetchFirst bool) ([]wire.FullRecord, error) {
	myKeys := entityKeys(p.needed)

	var fetched []wire.FullRecord

	doFetch := func() error {
		if err := s.send(ctx, wire.Fetch{EntityKeys: myKeys}); err != nil {
			return err
		}
		msg, err := s.recv(ctx)
		if err != nil {
			return err
		}
		payload, ok := msg.(wire.Payload)
		if !ok {
			return syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected PAYLOAD, got %T", msg))
		}
		fetched = payload.Records
		for _, r := range fetched {
			s.observeHLC(r.ModifiedHLC)
		}
		return nil
	}

	doServe := func() error {
		msg, err := s.recv(ctx)
		if err != nil {
			return err
		}
		f, ok := msg.(wire.Fetch)
		if !ok {
			return syncerr.New(syncerr.KindProtocolViolation, fmt.Sprintf("expected FETCH, got %T", msg))
		}
		owed, err := s.fetchOwed(ctx, f.EntityKeys)
		if err != nil {
			return err
		}
		return s.send(ctx, wire.Payload{Records: owed})
	}

	if fetchFirst {
		if err := doFetch(); err != nil {
			return nil, err
		}
		if err := doServe(); err != nil {
			return nil, err
		}
	} else {
		if err := doServe(); err != nil {
			return nil, err
		}
		if err := doFetch(); err != nil {
			return nil, err
		}
	}

	return fetched, nil
}
