package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/hlc"
)

func TestRoundTrip_Hello(t *testing.T) {
	node := uuid.New()
	want := Hello{
		NodeID:          node,
		ProtocolVersion: ProtocolVersion,
		Table:           "tracks",
		LastSyncTime:    hlc.HLC{PhysicalMS: 1234, Counter: 5, NodeID: node},
	}

	typ, payload, err := Marshal(want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeHello {
		t.Fatalf("expected TypeHello, got %v", typ)
	}

	got, err := Unmarshal(typ, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, ok := got.(Hello)
	if !ok {
		t.Fatalf("expected Hello, got %T", got)
	}
	if h != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", h, want)
	}
}

func TestRoundTrip_ChunksAndRows(t *testing.T) {
	node := uuid.New()
	chunks := Chunks{Chunks: []ChunkDescriptor{
		{Lo: hlc.HLC{PhysicalMS: 1, NodeID: node}, Hi: hlc.HLC{PhysicalMS: 2, NodeID: node}, Count: 3, Hash: [32]byte{1, 2, 3}},
	}}
	typ, payload, err := Marshal(chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := Unmarshal(typ, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotChunks := got.(Chunks)
	if len(gotChunks.Chunks) != 1 || gotChunks.Chunks[0].Count != 3 {
		t.Fatalf("unexpected chunks: %+v", gotChunks)
	}

	rows := Rows{
		Lo: hlc.HLC{PhysicalMS: 1, NodeID: node},
		Hi: hlc.HLC{PhysicalMS: 2, NodeID: node},
		Rows: []RowDescriptor{
			{EntityKey: []byte("alpha"), CreatedHLC: hlc.HLC{PhysicalMS: 1, NodeID: node}, ModifiedHLC: hlc.HLC{PhysicalMS: 1, NodeID: node}, PayloadHash: [32]byte{9}},
		},
	}
	typ, payload, err = Marshal(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err = Unmarshal(typ, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotRows := got.(Rows)
	if len(gotRows.Rows) != 1 || string(gotRows.Rows[0].EntityKey) != "alpha" {
		t.Fatalf("unexpected rows: %+v", gotRows)
	}
}

func TestRoundTrip_EmptyMessages(t *testing.T) {
	for _, msg := range []any{TimeQuery{}, CommitAck{}} {
		typ, payload, err := Marshal(msg)
		if err != nil {
			t.Fatalf("unexpected error marshaling %T: %v", msg, err)
		}
		if _, err := Unmarshal(typ, payload); err != nil {
			t.Fatalf("unexpected error unmarshaling %T: %v", msg, err)
		}
	}
}

func TestWriteReadMessage_Framing(t *testing.T) {
	var buf bytes.Buffer

	vote := CommitVote{Ok: false, Reason: "checksum mismatch"}
	if err := WriteMessage(&buf, vote); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ack := CommitAck{}
	if err := WriteMessage(&buf, ack); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got1, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := got1.(CommitVote)
	if !ok || v.Ok || v.Reason != "checksum mismatch" {
		t.Fatalf("unexpected first message: %+v", got1)
	}

	got2, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := got2.(CommitAck); !ok {
		t.Fatalf("expected CommitAck, got %T", got2)
	}
}

func TestReadFrame_RejectsTruncatedHeader(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0})
	if _, _, err := ReadFrame(r); err == nil {
		t.Fatal("expected error for truncated frame header")
	}
}

func TestMarshal_UnknownTypeErrors(t *testing.T) {
	if _, _, err := Marshal(42); err == nil {
		t.Fatal("expected error for unsupported message type")
	}
}
