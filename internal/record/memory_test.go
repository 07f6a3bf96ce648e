package record

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/hlc"
)

func rec(key string, physMS uint64, node uuid.UUID) Record {
	h := hlc.HLC{PhysicalMS: physMS, NodeID: node}
	return Record{EntityKey: []byte(key), CreatedHLC: h, ModifiedHLC: h}
}

func TestMemoryStore_ApplyAndGet(t *testing.T) {
	s := NewMemoryStore()
	node := uuid.New()
	ctx := context.Background()

	err := s.Apply(ctx, "tracks", Batch{
		Mutations: []Mutation{{Kind: Insert, Record: rec("alpha", 100, node)}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, found, err := s.Get(ctx, "tracks", []byte("alpha"))
	if err != nil || !found {
		t.Fatalf("expected to find inserted record, found=%v err=%v", found, err)
	}
	if got.ModifiedHLC.PhysicalMS != 100 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStore_EnumerateRangeOrdering(t *testing.T) {
	s := NewMemoryStore()
	node := uuid.New()
	ctx := context.Background()

	err := s.Apply(ctx, "tracks", Batch{Mutations: []Mutation{
		{Kind: Insert, Record: rec("c", 300, node)},
		{Kind: Insert, Record: rec("a", 100, node)},
		{Kind: Insert, Record: rec("b", 200, node)},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cur, err := s.EnumerateRange(ctx, "tracks", hlc.HLC{}, hlc.PosInf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cur.Close()

	var order []string
	for {
		r, ok, err := cur.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		order = append(order, string(r.EntityKey))
	}

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestMemoryStore_ApplyDelete(t *testing.T) {
	s := NewMemoryStore()
	node := uuid.New()
	ctx := context.Background()

	_ = s.Apply(ctx, "tracks", Batch{Mutations: []Mutation{{Kind: Insert, Record: rec("a", 100, node)}}})
	_ = s.Apply(ctx, "tracks", Batch{Mutations: []Mutation{{Kind: Delete, Record: Record{EntityKey: []byte("a")}}}})

	_, found, _ := s.Get(ctx, "tracks", []byte("a"))
	if found {
		t.Fatal("expected record to be deleted")
	}
}

func TestMemoryStore_MetadataRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	node := uuid.New()

	meta := Metadata{LastSyncTime: hlc.HLC{PhysicalMS: 500, NodeID: node}}
	err := s.Apply(ctx, "tracks", Batch{NewMetadata: &meta})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.ReadMetadata(ctx, "tracks")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.LastSyncTime.PhysicalMS != 500 {
		t.Fatalf("unexpected metadata: %+v", got)
	}
}
