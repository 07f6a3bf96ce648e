package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/hlc"
)

// maxFrameBytes bounds a single frame's payload, guarding against a
// corrupt or malicious length prefix forcing an unbounded allocation.
const maxFrameBytes = 256 << 20 // 256 MiB

// writer accumulates a message payload in the canonical binary layout:
// big-endian fixed-width integers, u32-length-prefixed byte strings.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) i64(v int64) { w.u64(uint64(v)) }

func (w *writer) byte(v byte) { w.buf.WriteByte(v) }

func (w *writer) raw(b []byte) { w.buf.Write(b) }

func (w *writer) varBytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *writer) hlc(h hlc.HLC) {
	b := h.Bytes()
	w.buf.Write(b[:])
}

func (w *writer) bytes() []byte { return w.buf.Bytes() }

// reader consumes a message payload produced by writer.
type reader struct {
	b   []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(r.b[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) raw(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) varBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxFrameBytes {
		return nil, fmt.Errorf("wire: varBytes length %d exceeds frame limit", n)
	}
	return r.raw(int(n))
}

func (r *reader) hlc() (hlc.HLC, error) {
	b, err := r.raw(hlc.WireSize)
	if err != nil {
		return hlc.HLC{}, err
	}
	return hlc.FromBytes(b)
}

func (r *reader) done() bool { return r.pos >= len(r.b) }

// --- per-message marshal ---

func marshalHello(m Hello) []byte {
	var w writer
	w.raw(m.NodeID[:])
	w.u32(m.ProtocolVersion)
	w.varBytes([]byte(m.Table))
	w.hlc(m.LastSyncTime)
	return w.bytes()
}

func unmarshalHello(b []byte) (Hello, error) {
	r := newReader(b)
	idBytes, err := r.raw(16)
	if err != nil {
		return Hello{}, err
	}
	var id uuid.UUID
	copy(id[:], idBytes)
	ver, err := r.u32()
	if err != nil {
		return Hello{}, err
	}
	table, err := r.varBytes()
	if err != nil {
		return Hello{}, err
	}
	ts, err := r.hlc()
	if err != nil {
		return Hello{}, err
	}
	return Hello{NodeID: id, ProtocolVersion: ver, Table: string(table), LastSyncTime: ts}, nil
}

func marshalHelloAck(m HelloAck) []byte {
	var w writer
	w.raw(m.NodeID[:])
	w.hlc(m.LastSyncTime)
	return w.bytes()
}

func unmarshalHelloAck(b []byte) (HelloAck, error) {
	r := newReader(b)
	idBytes, err := r.raw(16)
	if err != nil {
		return HelloAck{}, err
	}
	var id uuid.UUID
	copy(id[:], idBytes)
	ts, err := r.hlc()
	if err != nil {
		return HelloAck{}, err
	}
	return HelloAck{NodeID: id, LastSyncTime: ts}, nil
}

func marshalTimeQuery(TimeQuery) []byte { return nil }

func unmarshalTimeQuery([]byte) (TimeQuery, error) { return TimeQuery{}, nil }

func marshalTimeReply(m TimeReply) []byte {
	var w writer
	w.i64(m.MasterMS)
	return w.bytes()
}

func unmarshalTimeReply(b []byte) (TimeReply, error) {
	r := newReader(b)
	v, err := r.i64()
	if err != nil {
		return TimeReply{}, err
	}
	return TimeReply{MasterMS: v}, nil
}

func writeChunkDescriptor(w *writer, d ChunkDescriptor) {
	w.hlc(d.Lo)
	w.hlc(d.Hi)
	w.u32(d.Count)
	w.raw(d.Hash[:])
}

func readChunkDescriptor(r *reader) (ChunkDescriptor, error) {
	lo, err := r.hlc()
	if err != nil {
		return ChunkDescriptor{}, err
	}
	hi, err := r.hlc()
	if err != nil {
		return ChunkDescriptor{}, err
	}
	count, err := r.u32()
	if err != nil {
		return ChunkDescriptor{}, err
	}
	hashBytes, err := r.raw(32)
	if err != nil {
		return ChunkDescriptor{}, err
	}
	var hash [32]byte
	copy(hash[:], hashBytes)
	return ChunkDescriptor{Lo: lo, Hi: hi, Count: count, Hash: hash}, nil
}

func marshalChunks(m Chunks) []byte {
	var w writer
	w.u32(uint32(len(m.Chunks)))
	for _, d := range m.Chunks {
		writeChunkDescriptor(&w, d)
	}
	return w.bytes()
}

func unmarshalChunks(b []byte) (Chunks, error) {
	r := newReader(b)
	n, err := r.u32()
	if err != nil {
		return Chunks{}, err
	}
	out := make([]ChunkDescriptor, 0, n)
	for i := uint32(0); i < n; i++ {
		d, err := readChunkDescriptor(r)
		if err != nil {
			return Chunks{}, err
		}
		out = append(out, d)
	}
	return Chunks{Chunks: out}, nil
}

func marshalDrill(m Drill) []byte {
	var w writer
	w.hlc(m.Lo)
	w.hlc(m.Hi)
	return w.bytes()
}

func unmarshalDrill(b []byte) (Drill, error) {
	r := newReader(b)
	lo, err := r.hlc()
	if err != nil {
		return Drill{}, err
	}
	hi, err := r.hlc()
	if err != nil {
		return Drill{}, err
	}
	return Drill{Lo: lo, Hi: hi}, nil
}

func writeRowDescriptor(w *writer, d RowDescriptor) {
	w.varBytes(d.EntityKey)
	w.hlc(d.CreatedHLC)
	w.hlc(d.ModifiedHLC)
	w.raw(d.PayloadHash[:])
}

func readRowDescriptor(r *reader) (RowDescriptor, error) {
	key, err := r.varBytes()
	if err != nil {
		return RowDescriptor{}, err
	}
	created, err := r.hlc()
	if err != nil {
		return RowDescriptor{}, err
	}
	modified, err := r.hlc()
	if err != nil {
		return RowDescriptor{}, err
	}
	hashBytes, err := r.raw(32)
	if err != nil {
		return RowDescriptor{}, err
	}
	var hash [32]byte
	copy(hash[:], hashBytes)
	return RowDescriptor{EntityKey: key, CreatedHLC: created, ModifiedHLC: modified, PayloadHash: hash}, nil
}

func marshalRows(m Rows) []byte {
	var w writer
	w.hlc(m.Lo)
	w.hlc(m.Hi)
	w.u32(uint32(len(m.Rows)))
	for _, d := range m.Rows {
		writeRowDescriptor(&w, d)
	}
	return w.bytes()
}

func unmarshalRows(b []byte) (Rows, error) {
	r := newReader(b)
	lo, err := r.hlc()
	if err != nil {
		return Rows{}, err
	}
	hi, err := r.hlc()
	if err != nil {
		return Rows{}, err
	}
	n, err := r.u32()
	if err != nil {
		return Rows{}, err
	}
	out := make([]RowDescriptor, 0, n)
	for i := uint32(0); i < n; i++ {
		d, err := readRowDescriptor(r)
		if err != nil {
			return Rows{}, err
		}
		out = append(out, d)
	}
	return Rows{Lo: lo, Hi: hi, Rows: out}, nil
}

func marshalFetch(m Fetch) []byte {
	var w writer
	w.u32(uint32(len(m.EntityKeys)))
	for _, k := range m.EntityKeys {
		w.varBytes(k)
	}
	return w.bytes()
}

func unmarshalFetch(b []byte) (Fetch, error) {
	r := newReader(b)
	n, err := r.u32()
	if err != nil {
		return Fetch{}, err
	}
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.varBytes()
		if err != nil {
			return Fetch{}, err
		}
		out = append(out, k)
	}
	return Fetch{EntityKeys: out}, nil
}

func writeFullRecord(w *writer, rec FullRecord) {
	w.varBytes(rec.EntityKey)
	w.hlc(rec.CreatedHLC)
	w.hlc(rec.ModifiedHLC)
	w.raw(rec.PayloadHash[:])
	w.varBytes(rec.Payload)
}

func readFullRecord(r *reader) (FullRecord, error) {
	key, err := r.varBytes()
	if err != nil {
		return FullRecord{}, err
	}
	created, err := r.hlc()
	if err != nil {
		return FullRecord{}, err
	}
	modified, err := r.hlc()
	if err != nil {
		return FullRecord{}, err
	}
	hashBytes, err := r.raw(32)
	if err != nil {
		return FullRecord{}, err
	}
	payload, err := r.varBytes()
	if err != nil {
		return FullRecord{}, err
	}
	var hash [32]byte
	copy(hash[:], hashBytes)
	return FullRecord{EntityKey: key, CreatedHLC: created, ModifiedHLC: modified, PayloadHash: hash, Payload: payload}, nil
}

func marshalPayload(m Payload) []byte {
	var w writer
	w.u32(uint32(len(m.Records)))
	for _, rec := range m.Records {
		writeFullRecord(&w, rec)
	}
	return w.bytes()
}

func unmarshalPayload(b []byte) (Payload, error) {
	r := newReader(b)
	n, err := r.u32()
	if err != nil {
		return Payload{}, err
	}
	out := make([]FullRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		rec, err := readFullRecord(r)
		if err != nil {
			return Payload{}, err
		}
		out = append(out, rec)
	}
	return Payload{Records: out}, nil
}

func marshalCommitVote(m CommitVote) []byte {
	var w writer
	if m.Ok {
		w.byte(1)
	} else {
		w.byte(0)
	}
	w.varBytes([]byte(m.Reason))
	return w.bytes()
}

func unmarshalCommitVote(b []byte) (CommitVote, error) {
	r := newReader(b)
	ok, err := r.byte()
	if err != nil {
		return CommitVote{}, err
	}
	reason, err := r.varBytes()
	if err != nil {
		return CommitVote{}, err
	}
	return CommitVote{Ok: ok != 0, Reason: string(reason)}, nil
}

func marshalCommitAck(CommitAck) []byte { return nil }

func unmarshalCommitAck([]byte) (CommitAck, error) { return CommitAck{}, nil }

func marshalErrorMsg(m ErrorMsg) []byte {
	var w writer
	w.varBytes([]byte(m.Kind))
	w.varBytes([]byte(m.Detail))
	return w.bytes()
}

func unmarshalErrorMsg(b []byte) (ErrorMsg, error) {
	r := newReader(b)
	kind, err := r.varBytes()
	if err != nil {
		return ErrorMsg{}, err
	}
	detail, err := r.varBytes()
	if err != nil {
		return ErrorMsg{}, err
	}
	return ErrorMsg{Kind: string(kind), Detail: string(detail)}, nil
}

// Marshal encodes msg into its message payload (without the frame
// header) and returns the Type it should be framed with.
func Marshal(msg any) (Type, []byte, error) {
	switch m := msg.(type) {
	case Hello:
		return TypeHello, marshalHello(m), nil
	case HelloAck:
		return TypeHelloAck, marshalHelloAck(m), nil
	case TimeQuery:
		return TypeTimeQuery, marshalTimeQuery(m), nil
	case TimeReply:
		return TypeTimeReply, marshalTimeReply(m), nil
	case Chunks:
		return TypeChunks, marshalChunks(m), nil
	case Drill:
		return TypeDrill, marshalDrill(m), nil
	case Rows:
		return TypeRows, marshalRows(m), nil
	case Fetch:
		return TypeFetch, marshalFetch(m), nil
	case Payload:
		return TypePayload, marshalPayload(m), nil
	case CommitVote:
		return TypeCommitVote, marshalCommitVote(m), nil
	case CommitAck:
		return TypeCommitAck, marshalCommitAck(m), nil
	case ErrorMsg:
		return TypeError, marshalErrorMsg(m), nil
	default:
		return 0, nil, fmt.Errorf("wire: unknown message type %T", msg)
	}
}

// Unmarshal decodes a message payload of the given Type.
func Unmarshal(t Type, payload []byte) (any, error) {
	switch t {
	case TypeHello:
		return unmarshalHello(payload)
	case TypeHelloAck:
		return unmarshalHelloAck(payload)
	case TypeTimeQuery:
		return unmarshalTimeQuery(payload)
	case TypeTimeReply:
		return unmarshalTimeReply(payload)
	case TypeChunks:
		return unmarshalChunks(payload)
	case TypeDrill:
		return unmarshalDrill(payload)
	case TypeRows:
		return unmarshalRows(payload)
	case TypeFetch:
		return unmarshalFetch(payload)
	case TypePayload:
		return unmarshalPayload(payload)
	case TypeCommitVote:
		return unmarshalCommitVote(payload)
	case TypeCommitAck:
		return unmarshalCommitAck(payload)
	case TypeError:
		return unmarshalErrorMsg(payload)
	default:
		return nil, fmt.Errorf("wire: unknown type code 0x%02x", byte(t))
	}
}
