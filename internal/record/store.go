// Package record defines the abstract Record Store contract the sync
// engine drives to read, write, and delete rows of a synchronized table,
// and ships one in-memory reference implementation. Host applications
// (the real media library, playlist store, and so on) provide their own
// implementation of Store; the engine never assumes anything about
// durability or indexing beyond this interface.
package record

import (
	"context"

	"github.com/rachitkumar205/notesync/internal/hlc"
)

// Record is the logical shape of one synchronized row, per spec.md §3.
type Record struct {
	EntityKey   []byte
	CreatedHLC  hlc.HLC
	ModifiedHLC hlc.HLC
	PayloadHash [32]byte // BLAKE3-256 of the canonical payload
	Payload     []byte   // opaque to the engine
}

// Metadata is the per-node, per-table bookkeeping row from spec.md §3.
type Metadata struct {
	NodeID         [16]byte
	LastSyncTime   hlc.HLC
	MasterOffsetMS int64
	LastLocalHLC   hlc.HLC
}

// MutationKind distinguishes the three operations a Batch may contain.
type MutationKind int

const (
	Insert MutationKind = iota
	Update
	Delete
)

// Mutation is one row-level change to apply as part of a Batch.
type Mutation struct {
	Kind   MutationKind
	Record Record // for Delete, only EntityKey need be populated
}

// Batch bundles the mutations and the metadata update that must commit
// atomically together, per spec.md §4.3 ("apply... committed atomically").
type Batch struct {
	Mutations   []Mutation
	NewMetadata *Metadata // nil if metadata is unchanged
}

// Cursor lazily enumerates records in a table ordered by
// (modified_hlc, entity_key) ascending. It is restartable: a new call to
// Store.EnumerateRange always starts a fresh cursor from lo.
type Cursor interface {
	// Next advances the cursor and reports whether a record is available.
	Next(ctx context.Context) (Record, bool, error)
	Close() error
}

// Store is the Record Store Adapter contract from spec.md §4.3. Tables
// are identified by opaque string keys, never by Go types, per the
// design note in spec.md §9.
type Store interface {
	// EnumerateRange returns a cursor over records in [lo, hi) of
	// table, ordered by (modified_hlc, entity_key) ascending.
	EnumerateRange(ctx context.Context, table string, lo, hi hlc.HLC) (Cursor, error)

	// Get looks up a single record by entity key.
	Get(ctx context.Context, table string, entityKey []byte) (Record, bool, error)

	// Apply commits a batch of mutations plus metadata update atomically:
	// either the whole batch lands or none of it does.
	Apply(ctx context.Context, table string, batch Batch) error

	// ReadMetadata returns the current per-node metadata row for table.
	ReadMetadata(ctx context.Context, table string) (Metadata, error)
}
