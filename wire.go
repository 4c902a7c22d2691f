package aether

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Writer accumulates a serialized record: integers little-endian, strings
// and arrays tiered-int length prefixed, optionals a 1-byte presence flag
// (spec section 6).
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) WriteUint8(v uint8) { w.buf.WriteByte(v) }

func (w *Writer) WriteUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteBytes writes a tiered-int length prefix followed by raw bytes, used
// for both the "array" and "string" wire shapes (spec section 6).
func (w *Writer) WriteBytes(p []byte) {
	var lb [5]byte
	w.buf.Write(EncodePacketSize(lb[:0], uint64(len(p))))
	w.buf.Write(p)
}

func (w *Writer) WriteString(s string) { w.WriteBytes([]byte(s)) }

// WriteOptional writes the 1-byte presence flag, then calls enc if present.
func (w *Writer) WriteOptional(present bool, enc func(*Writer)) {
	if present {
		w.buf.WriteByte(1)
		enc(w)
	} else {
		w.buf.WriteByte(0)
	}
}

// WriteSubAPI length-prefixes an embedded sub-API call, matching spec
// section 4.6's "length-prefixed byte blob whose contents are recursively
// the sub-API's own serialized method call".
func (w *Writer) WriteSubAPI(payload []byte) { w.WriteBytes(payload) }

// Reader consumes a buffer produced by Writer, in the same field order.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader { return &Reader{data: data} }

func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("%w: need %d, have %d", ErrSubAPIOverrun, n, r.Remaining())
	}
	return nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	v, n, err := DecodePacketSize(r.data[r.pos:])
	if err != nil {
		return nil, err
	}
	r.pos += n
	if err := r.need(int(v)); err != nil {
		return nil, err
	}
	out := make([]byte, v)
	copy(out, r.data[r.pos:r.pos+int(v)])
	r.pos += int(v)
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadOptional(dec func(*Reader) error) (present bool, err error) {
	flag, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	if flag == 0 {
		return false, nil
	}
	if flag != 1 {
		return false, fmt.Errorf("%w: bad optional flag %d", ErrProtocolMarker, flag)
	}
	if err := dec(r); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reader) ReadSubAPI() ([]byte, error) { return r.ReadBytes() }

// NullableMask aggregates the optional-field presence flags of a
// NullableType record into a single bitmask written before any field data,
// per spec section 6. Fields beyond 8 in one record need more than one
// mask byte; NullableMask handles up to 64 fields.
type NullableMask struct {
	bits uint64
}

func (m *NullableMask) Set(field int, present bool) {
	if present {
		m.bits |= 1 << uint(field)
	}
}

func (m NullableMask) Has(field int) bool { return m.bits&(1<<uint(field)) != 0 }

// maskBytes returns the number of mask bytes needed to cover numFields.
func maskBytes(numFields int) int {
	return (numFields + 7) / 8
}

// WriteNullableMask writes ceil(numFields/8) mask bytes, little-endian bit
// order within each byte.
func (w *Writer) WriteNullableMask(m NullableMask, numFields int) {
	nb := maskBytes(numFields)
	for i := 0; i < nb; i++ {
		w.buf.WriteByte(byte(m.bits >> (8 * i)))
	}
}

func (r *Reader) ReadNullableMask(numFields int) (NullableMask, error) {
	nb := maskBytes(numFields)
	var bits uint64
	for i := 0; i < nb; i++ {
		b, err := r.ReadUint8()
		if err != nil {
			return NullableMask{}, err
		}
		bits |= uint64(b) << (8 * i)
	}
	return NullableMask{bits: bits}, nil
}
