package chunk

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/hlc"
	"github.com/rachitkumar205/notesync/internal/record"
)

func mkRecord(key string, physMS uint64, node uuid.UUID, payload byte) record.Record {
	h := hlc.HLC{PhysicalMS: physMS, NodeID: node}
	return record.Record{
		EntityKey:   []byte(key),
		CreatedHLC:  h,
		ModifiedHLC: h,
		PayloadHash: [32]byte{payload},
	}
}

func cursorOf(rows []record.Record) record.Cursor {
	s := record.NewMemoryStore()
	_ = s.Apply(context.Background(), "t", record.Batch{})
	for _, r := range rows {
		_ = s.Apply(context.Background(), "t", record.Batch{Mutations: []record.Mutation{{Kind: record.Insert, Record: r}}})
	}
	cur, _ := s.EnumerateRange(context.Background(), "t", hlc.HLC{}, hlc.PosInf)
	return cur
}

func TestChunker_DeterministicBoundaries(t *testing.T) {
	node := uuid.New()
	now := hlc.HLC{PhysicalMS: 100_000_000}
	rows := []record.Record{
		mkRecord("a", 1_000, node, 1),
		mkRecord("b", 2_000, node, 2),
		mkRecord("c", 3_000, node, 3),
	}

	c := New(Config{MinSize: 1, MaxSize: 10, Alpha: 0.3, AgeBucketMS: 86_400_000})

	first, err := c.Chunk(context.Background(), cursorOf(rows), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Chunk(context.Background(), cursorOf(rows), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("expected identical chunk counts, got %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Hash != second[i].Hash || first[i].Count != second[i].Count {
			t.Fatalf("expected identical chunk %d across runs, got %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestChunker_HashChangesWithPayload(t *testing.T) {
	node := uuid.New()
	now := hlc.HLC{PhysicalMS: 100_000_000}
	cfg := Config{MinSize: 10, MaxSize: 10, Alpha: 0.3, AgeBucketMS: 86_400_000}
	c := New(cfg)

	rowsA := []record.Record{mkRecord("a", 1_000, node, 1)}
	rowsB := []record.Record{mkRecord("a", 1_000, node, 2)}

	a, err := c.Chunk(context.Background(), cursorOf(rowsA), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := c.Chunk(context.Background(), cursorOf(rowsB), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one chunk each, got %d and %d", len(a), len(b))
	}
	if a[0].Hash == b[0].Hash {
		t.Fatal("expected differing payload hashes to produce differing chunk hashes")
	}
}

func TestChunker_OlderDataGetsLargerWindows(t *testing.T) {
	c := New(Config{MinSize: 32, MaxSize: 10000, Alpha: 0.6, AgeBucketMS: 86_400_000})

	fresh := c.targetSize(0)
	old := c.targetSize(30 * 86_400_000)

	if old <= fresh {
		t.Fatalf("expected older data to get a larger target window: fresh=%d old=%d", fresh, old)
	}
	if old > c.cfg.MaxSize {
		t.Fatalf("target size must not exceed MaxSize, got %d", old)
	}
}

func TestChunker_EmptyCursorProducesNoChunks(t *testing.T) {
	c := New(Volatile)
	descriptors, err := c.Chunk(context.Background(), cursorOf(nil), hlc.HLC{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descriptors) != 0 {
		t.Fatalf("expected no descriptors for an empty table, got %d", len(descriptors))
	}
}
