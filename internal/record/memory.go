package record

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/syncerr"
)

// MemoryStore is an in-process reference Store implementation, the
// sync-engine analogue of the teacher's map-backed, RWMutex-guarded
// storage.Store — generalized from a single flat keyspace to one
// keyspace per table plus a metadata row per table.
type MemoryStore struct {
	mu    sync.RWMutex
	rows  map[string]map[string]Record // table -> entity_key (string) -> Record
	meta  map[string]Metadata          // table -> Metadata
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]map[string]Record),
		meta: make(map[string]Metadata),
	}
}

func (s *MemoryStore) table(name string) map[string]Record {
	t, ok := s.rows[name]
	if !ok {
		t = make(map[string]Record)
		s.rows[name] = t
	}
	return t
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, table string, entityKey []byte) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.rows[table]
	if !ok {
		return Record{}, false, nil
	}
	r, ok := rows[string(entityKey)]
	return r, ok, nil
}

// EnumerateRange implements Store. It snapshots the matching rows under
// the read lock, sorts them by (modified_hlc, entity_key), and returns a
// cursor over that immutable snapshot so concurrent writes never corrupt
// an in-flight enumeration.
func (s *MemoryStore) EnumerateRange(ctx context.Context, table string, lo, hi hlc.HLC) (Cursor, error) {
	s.mu.RLock()
	rows, ok := s.rows[table]
	snapshot := make([]Record, 0, len(rows))
	if ok {
		for _, r := range rows {
			if r.ModifiedHLC.Compare(lo) >= 0 && (hi == hlc.PosInf || r.ModifiedHLC.Compare(hi) < 0) {
				snapshot = append(snapshot, r)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if c := snapshot[i].ModifiedHLC.Compare(snapshot[j].ModifiedHLC); c != 0 {
			return c < 0
		}
		return bytes.Compare(snapshot[i].EntityKey, snapshot[j].EntityKey) < 0
	})

	return &sliceCursor{rows: snapshot}, nil
}

// Apply implements Store. Because MemoryStore holds a single process-wide
// mutex, the whole batch (mutations + metadata) commits under one
// critical section, satisfying the all-or-nothing contract trivially.
func (s *MemoryStore) Apply(ctx context.Context, table string, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.table(table)

	for _, m := range batch.Mutations {
		if m.Kind != Insert && m.Kind != Update && m.Kind != Delete {
			return syncerr.New(syncerr.KindStorageUnavailable, "unknown mutation kind")
		}
	}

	for _, m := range batch.Mutations {
		key := string(m.Record.EntityKey)
		switch m.Kind {
		case Insert, Update:
			rows[key] = m.Record
		case Delete:
			delete(rows, key)
		default:
			return syncerr.New(syncerr.KindStorageUnavailable, "unknown mutation kind")
		}
	}

	if batch.NewMetadata != nil {
		s.meta[table] = *batch.NewMetadata
	}
	return nil
}

// ReadMetadata implements Store.
func (s *MemoryStore) ReadMetadata(ctx context.Context, table string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[table], nil
}

type sliceCursor struct {
	rows []Record
	pos  int
}

func (c *sliceCursor) Next(ctx context.Context) (Record, bool, error) {
	select {
	case <-ctx.Done():
		return Record{}, false, ctx.Err()
	default:
	}
	if c.pos >= len(c.rows) {
		return Record{}, false, nil
	}
	r := c.rows[c.pos]
	c.pos++
	return r, true, nil
}

func (c *sliceCursor) Close() error { return nil }
