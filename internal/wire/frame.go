package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteMessage frames and writes msg to w: {u32 length}{u8 type}{payload},
// where length counts the type byte plus the payload.
func WriteMessage(w io.Writer, msg any) error {
	typ, payload, err := Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, typ, payload)
}

// WriteFrame writes a single already-encoded frame.
func WriteFrame(w io.Writer, typ Type, payload []byte) error {
	var header [5]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)+1))
	header[4] = byte(typ)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one frame from r and decodes it into its message
// type.
func ReadMessage(r io.Reader) (any, error) {
	typ, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(typ, payload)
}

// ReadFrame reads and returns one frame's type and raw payload.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length < 1 {
		return 0, nil, fmt.Errorf("wire: frame length %d too small for type byte", length)
	}
	if length > maxFrameBytes {
		return 0, nil, fmt.Errorf("wire: frame length %d exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	return Type(body[0]), body[1:], nil
}
