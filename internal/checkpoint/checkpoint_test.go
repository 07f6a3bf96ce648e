package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/hlc"
)

func TestMemoryStore_SaveLoadClear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := Record{
		SessionID:            "sess-1",
		Table:                "tracks",
		LastCompletedChunkHi: hlc.HLC{PhysicalMS: 1000, NodeID: uuid.New()},
		ChunkHash:            [32]byte{1, 2, 3},
	}

	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, found, err := s.Load(ctx, "sess-1", "tracks")
	if err != nil || !found {
		t.Fatalf("expected to find checkpoint, found=%v err=%v", found, err)
	}
	if got.ChunkHash != rec.ChunkHash {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}

	if err := s.Clear(ctx, "sess-1", "tracks"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, found, _ = s.Load(ctx, "sess-1", "tracks")
	if found {
		t.Fatal("expected checkpoint to be cleared")
	}
}

func TestMemoryStore_DistinctTablesDoNotCollide(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Save(ctx, Record{SessionID: "sess-1", Table: "tracks", ChunkHash: [32]byte{1}})
	_ = s.Save(ctx, Record{SessionID: "sess-1", Table: "playlists", ChunkHash: [32]byte{2}})

	a, _, _ := s.Load(ctx, "sess-1", "tracks")
	b, _, _ := s.Load(ctx, "sess-1", "playlists")
	if a.ChunkHash == b.ChunkHash {
		t.Fatal("expected distinct tables to have distinct checkpoints")
	}
}

func TestValid(t *testing.T) {
	rec := Record{ChunkHash: [32]byte{9, 9, 9}}
	if !Valid(rec, [32]byte{9, 9, 9}) {
		t.Fatal("expected matching hash to be valid")
	}
	if Valid(rec, [32]byte{1, 1, 1}) {
		t.Fatal("expected mismatched hash to be invalid")
	}
}

func TestBoltStore_SaveLoadClear(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBoltStore(filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	rec := Record{
		SessionID:            "sess-1",
		Table:                "tracks",
		LastCompletedChunkHi: hlc.HLC{PhysicalMS: 2000, NodeID: uuid.New()},
		ChunkHash:            [32]byte{4, 5, 6},
	}

	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, found, err := s.Load(ctx, "sess-1", "tracks")
	if err != nil || !found {
		t.Fatalf("expected to find checkpoint, found=%v err=%v", found, err)
	}
	if got.ChunkHash != rec.ChunkHash || got.LastCompletedChunkHi.PhysicalMS != 2000 {
		t.Fatalf("unexpected checkpoint after bbolt round trip: %+v", got)
	}

	if err := s.Clear(ctx, "sess-1", "tracks"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, found, _ = s.Load(ctx, "sess-1", "tracks")
	if found {
		t.Fatal("expected checkpoint to be cleared")
	}
}
