// Package checkpoint persists a reconciliation progress marker per
// (session, table) pair (spec.md §4.6). A checkpoint records the last
// chunk (its Hi and hash) of the chunk index a session computed once it
// finished diffing. The next attempt checks a leftover checkpoint against
// its own freshly computed index and discards it on a hash mismatch. A
// checkpoint does not let a session skip chunks: every session re-diffs
// the whole table.
package checkpoint

import (
	"context"

	"github.com/rachitkumar205/notesync/internal/hlc"
)

// Record is one (session, table) progress marker.
type Record struct {
	SessionID           string
	Table               string
	LastCompletedChunkHi hlc.HLC
	ChunkHash           [32]byte
}

// Store persists Records keyed by (session_id, table).
type Store interface {
	// Load returns the checkpoint for (sessionID, table), if any.
	Load(ctx context.Context, sessionID, table string) (Record, bool, error)

	// Save persists rec, overwriting any prior checkpoint for the same
	// (session_id, table).
	Save(ctx context.Context, rec Record) error

	// Clear removes the checkpoint for (sessionID, table), called after a
	// session commits or when a loaded checkpoint fails validation; an
	// aborted session leaves its checkpoint in place.
	Clear(ctx context.Context, sessionID, table string) error
}

// Valid reports whether a loaded checkpoint can still be trusted: the
// chunk it names must hash to the same value the session now computes
// for that chunk. A mismatch means the data moved since the checkpoint
// was saved and the session must restart its diff from the beginning.
func Valid(rec Record, currentHash [32]byte) bool {
	return rec.ChunkHash == currentHash
}
