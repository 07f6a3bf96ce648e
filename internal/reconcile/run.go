package reconcile

import (
	"context"

	"github.com/rachitkumar205/notesync/internal/wire"
)

// runInitiator drives the side that opened the session: Handshake,
// Calibrate, Diff, Resolve, Commit, in that order, voting first at
// Commit since it also spoke first at Handshake.
func (s *Session) runInitiator(ctx context.Context) (Result, error) {
	if err := s.handshakeInitiator(ctx); err != nil {
		return Result{}, err
	}
	if err := s.calibrate(ctx); err != nil {
		return Result{}, err
	}
	ranges, err := s.diffInitiator(ctx)
	if err != nil {
		return Result{}, err
	}
	return s.resolveAndCommit(ctx, ranges, true)
}

// runResponder mirrors runInitiator for the accepting side.
func (s *Session) runResponder(ctx context.Context) (Result, error) {
	if err := s.handshakeResponder(ctx); err != nil {
		return Result{}, err
	}
	if err := s.calibrate(ctx); err != nil {
		return Result{}, err
	}
	ranges, err := s.diffResponder(ctx)
	if err != nil {
		return Result{}, err
	}
	return s.resolveAndCommit(ctx, ranges, false)
}

// resolveAndCommit is the shared tail of both roles: build this side's
// plan from the drilled ranges, fetch what's needed, stage the batch,
// and vote on it. first is true for the Initiator, which speaks first
// at every subsequent symmetric exchange (FETCH/PAYLOAD, COMMIT_VOTE,
// COMMIT_ACK) so the two sides never both block waiting on each other.
func (s *Session) resolveAndCommit(ctx context.Context, ranges []diffRange, first bool) (Result, error) {
	p := s.buildPlan(ranges)

	var (
		fetched []wire.FullRecord
		err     error
	)
	if first {
		fetched, err = s.resolveInitiator(ctx, p)
	} else {
		fetched, err = s.resolveResponder(ctx, p)
	}
	if err != nil {
		return Result{}, err
	}

	batch, err := s.buildBatch(ctx, p.deletes, fetched)
	if err != nil {
		return Result{}, err
	}
	res, err := s.commit(ctx, batch, first)
	if err != nil {
		return Result{}, err
	}

	res.ConflictsResolved = countConflicts(ranges)
	if s.Metrics != nil && res.ConflictsResolved > 0 {
		s.Metrics.ConflictsResolved.Add(float64(res.ConflictsResolved))
	}
	return res, nil
}

// countConflicts counts entity_keys present on both sides across every
// drilled range with differing payload hashes, purely for the Result
// summary; it does not affect which mutations are applied. Like
// buildPlan, this merges rows across all ranges by entity_key first,
// since a conflicting row's two versions can land in different ranges
// when the two sides disagree on its modified_hlc.
func countConflicts(ranges []diffRange) int {
	mineByKey := make(map[string][32]byte)
	for _, dr := range ranges {
		for _, r := range dr.mine {
			mineByKey[string(r.EntityKey)] = r.PayloadHash
		}
	}
	n := 0
	seen := make(map[string]struct{})
	for _, dr := range ranges {
		for _, r := range dr.peer {
			k := string(r.EntityKey)
			if _, dup := seen[k]; dup {
				continue
			}
			if h, ok := mineByKey[k]; ok && h != r.PayloadHash {
				n++
				seen[k] = struct{}{}
			}
		}
	}
	return n
}
