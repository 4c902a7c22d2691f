package aether

import (
	"bytes"
	"encoding/binary"
)

// ChunkKind tags a safe-stream chunk (spec section 4.5).
type ChunkKind byte

const (
	ChunkData ChunkKind = iota
	ChunkAck
	ChunkNack
	ChunkHeartbeat
	ChunkReset
)

// ChunkHeaderSize is the encoded size of a Chunk header: 2 bytes sequence
// number + 2 bytes payload length + 1 byte kind, a fixed-width header in
// safe-stream's {kind, seq, payload_len} shape.
const ChunkHeaderSize = 2 + 2 + 1

// Chunk represents a single safe-stream wire unit.
type Chunk struct {
	Kind    ChunkKind
	Seq     Seq
	Payload []byte
}

// BuildChunk writes a framed chunk to buf: [2 bytes seq][2 bytes payload
// len][1 byte kind][payload], little-endian, keyed by sequence number
// instead of a bare type switch.
func BuildChunk(buf *bytes.Buffer, c Chunk) {
	buf.Grow(ChunkHeaderSize + len(c.Payload))
	var hdr [ChunkHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(c.Seq))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(c.Payload)))
	hdr[4] = byte(c.Kind)
	buf.Write(hdr[:])
	buf.Write(c.Payload)
}

// ParseChunk decodes one Chunk from the front of data, returning the
// number of bytes consumed. It returns (Chunk{}, 0, false) if data doesn't
// yet hold a complete chunk.
func ParseChunk(data []byte) (Chunk, int, bool) {
	if len(data) < ChunkHeaderSize {
		return Chunk{}, 0, false
	}
	seq := Seq(binary.LittleEndian.Uint16(data[0:2]))
	plen := int(binary.LittleEndian.Uint16(data[2:4]))
	kind := ChunkKind(data[4])
	total := ChunkHeaderSize + plen
	if len(data) < total {
		return Chunk{}, 0, false
	}
	payload := make([]byte, plen)
	copy(payload, data[ChunkHeaderSize:total])
	return Chunk{Kind: kind, Seq: seq, Payload: payload}, total, true
}
