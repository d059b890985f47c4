package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// WireVersion is the first byte of every message payload. Bumped when a
// change to the Envelope/Request/Response/Push shapes is not read
// compatible with older clients.
const WireVersion byte = 1

// maxPayload bounds a single message to guard against a corrupt or
// hostile length prefix causing an unbounded allocation.
const maxPayload = 16 << 20 // 16 MiB

// WriteMessage frames env as [4-byte big-endian length][version byte][gob
// payload] and writes it to w in one call.
func WriteMessage(w io.Writer, env *Envelope) error {
	var frame bytes.Buffer
	frame.Write(make([]byte, 4)) // length prefix, filled in below
	frame.WriteByte(WireVersion)
	enc := gob.NewEncoder(&frame)
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("proto: encode: %w", err)
	}

	b := frame.Bytes()
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	_, err := w.Write(b)
	return err
}

// ReadMessage reads one framed message from r and decodes its payload.
func ReadMessage(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || uint64(n) > maxPayload {
		return nil, fmt.Errorf("proto: invalid frame length %d", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if payload[0] != WireVersion {
		return nil, fmt.Errorf("proto: unsupported wire version %d", payload[0])
	}

	var env Envelope
	dec := gob.NewDecoder(bytes.NewReader(payload[1:]))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("proto: decode: %w", err)
	}
	return &env, nil
}
