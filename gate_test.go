package aether

import (
	"bytes"
	"testing"
)

func TestSizedPacketGateRoundTrip(t *testing.T) {
	lower, peer := pairFakeStreams()
	gate := NewSizedPacketGate(lower)
	peerGate := NewSizedPacketGate(peer)

	var got [][]byte
	peerGate.OutData().Subscribe(func(b []byte) { got = append(got, append([]byte(nil), b...)) })

	messages := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte{0xAB}, 1000), // forces the 3-byte tiered-int prefix
		{},
	}
	for _, m := range messages {
		if err := gate.Write(m).Wait(); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if len(got) != len(messages) {
		t.Fatalf("got %d messages, want %d", len(got), len(messages))
	}
	for i, m := range messages {
		if !bytes.Equal(got[i], m) {
			t.Errorf("message %d: got %d bytes, want %d bytes", i, len(got[i]), len(m))
		}
	}
}

func TestSizedPacketGateHandlesSplitReads(t *testing.T) {
	lower, _ := pairFakeStreams()
	gate := NewSizedPacketGate(lower)

	var got [][]byte
	gate.OutData().Subscribe(func(b []byte) { got = append(got, append([]byte(nil), b...)) })

	framed := EncodePacketSize(nil, 5)
	framed = append(framed, []byte("hello")...)

	// Deliver the framed packet split across two OutData emissions from the
	// lower stream, as a real socket read would.
	lower.outEv.Emit(framed[:2])
	if len(got) != 0 {
		t.Fatal("should not emit until the full frame has arrived")
	}
	lower.outEv.Emit(framed[2:])
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("got %v, want [hello]", got)
	}
}

func TestBufferStreamBackpressure(t *testing.T) {
	lower := newFakeStream()
	lower.info.IsWritable = false // simulate a lower stream that never drains
	b := NewBufferStream(lower, 2)

	a1 := b.Write([]byte("one"))
	a2 := b.Write([]byte("two"))
	a3 := b.Write([]byte("three"))

	select {
	case <-a1.done:
		t.Fatal("a1 should remain pending while lower is not writable")
	default:
	}
	if err := a3.Wait(); err == nil {
		t.Fatal("expected the write beyond capacity to fail with backpressure")
	}
	if b.Info().IsWritable {
		t.Fatal("BufferStream should report not-writable once its queue is full")
	}
	_ = a2
}

func TestBufferStreamDrainsOnLowerWritable(t *testing.T) {
	lower := newFakeStream()
	lower.info.IsWritable = false
	b := NewBufferStream(lower, 4)

	action := b.Write([]byte("payload"))
	select {
	case <-action.done:
		t.Fatal("write should stay pending until lower becomes writable")
	default:
	}

	next := lower.info
	next.IsWritable = true
	lower.setInfo(next)

	if err := action.Wait(); err != nil {
		t.Fatalf("expected the queued write to drain once lower is writable: %v", err)
	}
	if len(lower.sent) != 1 || string(lower.sent[0]) != "payload" {
		t.Fatalf("lower.sent = %v", lower.sent)
	}
}

func TestSerializeGateEncodeDecode(t *testing.T) {
	lower, peer := pairFakeStreams()
	encode := func(v int) []byte { return EncodePacketSize(nil, uint64(v)) }
	decode := func(b []byte) (int, error) {
		v, _, err := DecodePacketSize(b)
		return int(v), err
	}
	g := NewSerializeGate[int, int](lower, encode, decode)
	peerRaw := NewSerializeGate[int, int](peer, encode, decode)

	var got int
	peerRaw.Decoded().Subscribe(func(v int) { got = v })

	if err := g.WriteValue(12345).Wait(); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got != 12345 {
		t.Fatalf("got %d, want 12345", got)
	}
}

func TestAddHeaderGateStripsHeader(t *testing.T) {
	lower, peer := pairFakeStreams()
	header := []byte{0xAA, 0xBB}
	g := NewAddHeaderGate(lower, header)
	peerG := NewAddHeaderGate(peer, header)

	var got []byte
	peerG.OutData().Subscribe(func(b []byte) { got = append([]byte(nil), b...) })

	if err := g.Write([]byte("payload")).Wait(); err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
	if g.Overhead() != len(header) {
		t.Fatalf("Overhead() = %d, want %d", g.Overhead(), len(header))
	}
}
