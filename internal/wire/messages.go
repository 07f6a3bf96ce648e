// Package wire implements the sync protocol's on-the-wire message types
// and canonical binary encoding, per spec.md §6. Every message is
// length-prefixed framed: {u32 length}{u8 type}{payload}, with
// fixed-order, big-endian, length-prefixed fields inside the payload.
package wire

import (
	"github.com/google/uuid"
	"github.com/rachitkumar205/notesync/internal/hlc"
)

// Type identifies a message's wire type code.
type Type byte

// Exact type codes from spec.md §6.
const (
	TypeHello      Type = 0x01
	TypeHelloAck   Type = 0x02
	TypeTimeQuery  Type = 0x03
	TypeTimeReply  Type = 0x04
	TypeChunks     Type = 0x10
	TypeDrill      Type = 0x11
	TypeRows       Type = 0x12
	TypeFetch      Type = 0x13
	TypePayload    Type = 0x14
	TypeCommitVote Type = 0x20
	TypeCommitAck  Type = 0x21
	TypeError      Type = 0xFE
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeHelloAck:
		return "HELLO_ACK"
	case TypeTimeQuery:
		return "TIME_QUERY"
	case TypeTimeReply:
		return "TIME_REPLY"
	case TypeChunks:
		return "CHUNKS"
	case TypeDrill:
		return "DRILL"
	case TypeRows:
		return "ROWS"
	case TypeFetch:
		return "FETCH"
	case TypePayload:
		return "PAYLOAD"
	case TypeCommitVote:
		return "COMMIT_VOTE"
	case TypeCommitAck:
		return "COMMIT_ACK"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ProtocolVersion is the protocol_version this build of notesync speaks.
// A Handshake with a peer advertising a different value aborts with
// IncompatibleVersion (spec.md §4.5).
const ProtocolVersion uint32 = 1

// Hello is the first message an Initiator sends when opening a session
// for one table.
type Hello struct {
	NodeID          uuid.UUID
	ProtocolVersion uint32
	Table           string
	LastSyncTime    hlc.HLC
}

// HelloAck is the Responder's reply to Hello.
type HelloAck struct {
	NodeID       uuid.UUID
	LastSyncTime hlc.HLC
}

// TimeQuery asks the peer for its current wall-clock reading, used by
// Cristian's algorithm (spec.md §4.2).
type TimeQuery struct{}

// TimeReply carries the responder's wall-clock reading in epoch
// milliseconds at the moment it was sampled.
type TimeReply struct {
	MasterMS int64
}

// ChunkDescriptor mirrors chunk.Descriptor on the wire.
type ChunkDescriptor struct {
	Lo    hlc.HLC
	Hi    hlc.HLC
	Count uint32
	Hash  [32]byte
}

// Chunks carries one side's chunk index for the table being diffed.
type Chunks struct {
	Chunks []ChunkDescriptor
}

// Drill requests a row-level listing for one chunk's range.
type Drill struct {
	Lo hlc.HLC
	Hi hlc.HLC
}

// RowDescriptor is one row's identity and metadata, without its payload.
type RowDescriptor struct {
	EntityKey   []byte
	CreatedHLC  hlc.HLC
	ModifiedHLC hlc.HLC
	PayloadHash [32]byte
}

// Rows answers a Drill with the row descriptors in [Lo, Hi], both ends
// inclusive.
type Rows struct {
	Lo   hlc.HLC
	Hi   hlc.HLC
	Rows []RowDescriptor
}

// Fetch requests the full payload for a set of entity keys.
type Fetch struct {
	EntityKeys [][]byte
}

// FullRecord is a complete row including its payload.
type FullRecord struct {
	EntityKey   []byte
	CreatedHLC  hlc.HLC
	ModifiedHLC hlc.HLC
	PayloadHash [32]byte
	Payload     []byte
}

// Payload answers a Fetch with full records.
type Payload struct {
	Records []FullRecord
}

// CommitVote is exchanged once both sides have staged their planned
// mutations; both must vote Ok for either to finalize.
type CommitVote struct {
	Ok     bool
	Reason string
}

// CommitAck closes a successful session.
type CommitAck struct{}

// ErrorMsg aborts a session, naming the syncerr.Kind and a human detail.
type ErrorMsg struct {
	Kind   string
	Detail string
}
