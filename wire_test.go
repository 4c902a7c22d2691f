package aether

import (
	"bytes"
	"testing"
)

func TestWriterReaderScalarRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteUint8(0x12)
	w.WriteUint16(0xBEEF)
	w.WriteUint32(0xCAFEBABE)
	w.WriteUint64(0x0123456789ABCDEF)
	w.WriteString("hello aether")
	w.WriteBytes([]byte{1, 2, 3, 4})

	r := NewReader(w.Bytes())
	if v, err := r.ReadUint8(); err != nil || v != 0x12 {
		t.Fatalf("ReadUint8 = %x, %v", v, err)
	}
	if v, err := r.ReadUint16(); err != nil || v != 0xBEEF {
		t.Fatalf("ReadUint16 = %x, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 0xCAFEBABE {
		t.Fatalf("ReadUint32 = %x, %v", v, err)
	}
	if v, err := r.ReadUint64(); err != nil || v != 0x0123456789ABCDEF {
		t.Fatalf("ReadUint64 = %x, %v", v, err)
	}
	if s, err := r.ReadString(); err != nil || s != "hello aether" {
		t.Fatalf("ReadString = %q, %v", s, err)
	}
	if b, err := r.ReadBytes(); err != nil || !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Fatalf("ReadBytes = %v, %v", b, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected reader exhausted, %d bytes remaining", r.Remaining())
	}
}

func TestWriterReaderOptionalRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteOptional(true, func(w *Writer) { w.WriteUint32(42) })
	w.WriteOptional(false, func(w *Writer) { w.WriteUint32(999) })

	r := NewReader(w.Bytes())
	var got uint32
	present, err := r.ReadOptional(func(r *Reader) error {
		v, err := r.ReadUint32()
		got = v
		return err
	})
	if err != nil || !present || got != 42 {
		t.Fatalf("first optional: present=%v got=%d err=%v", present, got, err)
	}
	present, err = r.ReadOptional(func(r *Reader) error {
		v, err := r.ReadUint32()
		got = v
		return err
	})
	if err != nil || present {
		t.Fatalf("second optional: present=%v err=%v, want absent", present, err)
	}
}

func TestNullableMaskRoundTrip(t *testing.T) {
	var m NullableMask
	m.Set(0, true)
	m.Set(1, false)
	m.Set(2, true)
	m.Set(7, true)
	m.Set(8, true) // crosses into a second mask byte

	w := NewWriter()
	w.WriteNullableMask(m, 9)

	r := NewReader(w.Bytes())
	got, err := r.ReadNullableMask(9)
	if err != nil {
		t.Fatalf("ReadNullableMask: %v", err)
	}
	for _, field := range []int{0, 2, 7, 8} {
		if !got.Has(field) {
			t.Errorf("field %d: expected present", field)
		}
	}
	for _, field := range []int{1, 3, 4, 5, 6} {
		if got.Has(field) {
			t.Errorf("field %d: expected absent", field)
		}
	}
}

func TestReaderShortBufferErrors(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.ReadUint32(); err == nil {
		t.Fatal("expected error reading uint32 from a 1-byte buffer")
	}
	r2 := NewReader(nil)
	if _, err := r2.ReadBytes(); err == nil {
		t.Fatal("expected error reading a length-prefixed value from an empty buffer")
	}
}
