package aether

import (
	"bytes"
)

// Gate is a ByteStream that wraps another ByteStream, transforming bytes in
// both directions (spec section 4.2). Overhead reports the per-call byte
// cost this gate adds on write, so an upper layer can size writes to
// respect a lower layer's MaxElementSize.
type Gate interface {
	ByteStream
	Overhead() int
}

// Tie subscribes to lower's OutData and re-emits each unit on upper's
// OutData, passing it through up first when up is non-nil. It does not
// wire upper's write path to lower: down is accepted but not used. The
// Gate implementations in this package wire themselves directly in their
// constructors and do not call Tie; it is exported for ad hoc stacks that
// don't need a dedicated gate type.
func Tie(upper, lower ByteStream, up func([]byte) []byte, down func([]byte) []byte) *Subscription {
	return lower.OutData().Subscribe(func(b []byte) {
		if up != nil {
			b = up(b)
		}
		upper.OutData().Emit(b)
		_ = down
	})
}

// AddHeaderGate prepends a fixed, stateless header on every outbound write
// and strips it from every inbound unit.
type AddHeaderGate struct {
	baseStream
	lower  ByteStream
	header []byte
	sub    *Subscription
}

// NewAddHeaderGate wraps lower, adding header to every write.
func NewAddHeaderGate(lower ByteStream, header []byte) *AddHeaderGate {
	g := &AddHeaderGate{lower: lower, header: append([]byte(nil), header...)}
	g.info = lower.Info()
	g.sub = lower.OutData().Subscribe(func(b []byte) {
		if len(b) < len(g.header) {
			return
		}
		g.outEv.Emit(b[len(g.header):])
	})
	lower.StreamUpdate().Subscribe(func(si StreamInfo) { g.setInfo(si) })
	return g
}

func (g *AddHeaderGate) Overhead() int { return len(g.header) }

func (g *AddHeaderGate) Write(data []byte) *WriteAction {
	buf := make([]byte, 0, len(g.header)+len(data))
	buf = append(buf, g.header...)
	buf = append(buf, data...)
	return g.lower.Write(buf)
}

func (g *AddHeaderGate) Restream() error { return g.lower.Restream() }

func (g *AddHeaderGate) Close() error {
	g.sub.Unsubscribe()
	return g.lower.Close()
}

// SizedPacketGate prefixes each outbound write with a tiered-int size
// field and, on read, buffers bytes until a complete framed packet is
// present, emitting exactly one OutData per complete packet, using the
// tiered-int encoding of spec section 6 instead of a fixed-width length.
type SizedPacketGate struct {
	baseStream
	lower ByteStream
	buf   bytes.Buffer
	sub   *Subscription
}

// NewSizedPacketGate wraps lower with tiered-int length-prefixed framing.
func NewSizedPacketGate(lower ByteStream) *SizedPacketGate {
	g := &SizedPacketGate{lower: lower}
	g.info = lower.Info()
	g.sub = lower.OutData().Subscribe(g.onData)
	lower.StreamUpdate().Subscribe(func(si StreamInfo) { g.setInfo(si) })
	return g
}

func (g *SizedPacketGate) onData(b []byte) {
	g.buf.Write(b)
	for {
		avail := g.buf.Bytes()
		size, n, err := DecodePacketSize(avail)
		if err != nil {
			return // not enough buffered yet for even the length prefix
		}
		if len(avail) < n+int(size) {
			return // not enough buffered yet for the full payload
		}
		payload := make([]byte, size)
		copy(payload, avail[n:n+int(size)])
		g.buf.Next(n + int(size))
		g.outEv.Emit(payload)
	}
}

func (g *SizedPacketGate) Overhead() int { return 5 }

func (g *SizedPacketGate) Write(data []byte) *WriteAction {
	framed := EncodePacketSize(make([]byte, 0, 5+len(data)), uint64(len(data)))
	framed = append(framed, data...)
	return g.lower.Write(framed)
}

func (g *SizedPacketGate) Restream() error { return g.lower.Restream() }

func (g *SizedPacketGate) Close() error {
	g.sub.Unsubscribe()
	return g.lower.Close()
}

// BufferStream is a fixed-capacity outbound queue, measured in number of
// writes rather than bytes (spec section 4.2). Writes are accepted
// immediately and actually dequeued onto lower only when lower is
// writable; once full, it stops accepting writes and flips its own
// is_writable to false, signalling backpressure upstream.
type BufferStream struct {
	baseStream
	lower    ByteStream
	capacity int
	queue    []queuedWrite
	sub      *Subscription
}

type queuedWrite struct {
	data   []byte
	action *WriteAction
}

// NewBufferStream wraps lower with an outbound queue bounded at capacity
// writes.
func NewBufferStream(lower ByteStream, capacity int) *BufferStream {
	b := &BufferStream{lower: lower, capacity: capacity}
	b.info = lower.Info()
	b.info.IsWritable = true
	b.sub = lower.OutData().Subscribe(func(d []byte) { b.outEv.Emit(d) })
	lower.StreamUpdate().Subscribe(func(si StreamInfo) {
		next := si
		next.IsWritable = si.IsWritable && len(b.queue) < b.capacity
		b.setInfo(next)
		if si.IsWritable {
			b.drain()
		}
	})
	return b
}

func (b *BufferStream) Overhead() int { return 0 }

func (b *BufferStream) Write(data []byte) *WriteAction {
	action := newWriteAction()
	if len(b.queue) >= b.capacity {
		action.resolve(Errorf(NewError(KindBackpressure, "buffer_stream.write", ErrWindowFull)))
		return action
	}
	cp := append([]byte(nil), data...)
	b.queue = append(b.queue, queuedWrite{data: cp, action: action})
	next := b.info
	next.IsWritable = len(b.queue) < b.capacity
	b.setInfo(next)
	b.drain()
	return action
}

func (b *BufferStream) drain() {
	for len(b.queue) > 0 && b.lower.Info().IsWritable {
		item := b.queue[0]
		b.queue = b.queue[1:]
		lowerAction := b.lower.Write(item.data)
		action, item := lowerAction, item
		go func() {
			err := action.Wait()
			if err != nil {
				item.action.resolve(Errorf(err))
			} else {
				item.action.resolve(Result())
			}
		}()
	}
	next := b.info
	next.IsWritable = len(b.queue) < b.capacity
	b.setInfo(next)
}

func (b *BufferStream) Restream() error { return b.lower.Restream() }

func (b *BufferStream) Close() error {
	b.sub.Unsubscribe()
	for _, item := range b.queue {
		item.action.resolve(Stopped())
	}
	b.queue = nil
	return b.lower.Close()
}

// SerializeGate converts typed values to/from length-prefixed encoded
// bytes, the generic counterpart of spec section 4.2's SerializeGate<In,
// Out>. Encode/Decode are supplied by the caller since Go generics can't
// express "any reflective record type" the way spec section 9's
// reflection macros do.
type SerializeGate[In any, Out any] struct {
	baseStream
	lower  ByteStream
	encode func(In) []byte
	decode func([]byte) (Out, error)
	out    Event[Out]
	sub    *Subscription
}

// NewSerializeGate wraps lower, applying encode on write and decode on
// each inbound unit (invalid units are dropped, matching a Protocol
// Violation being non-fatal to the stream per spec section 7).
func NewSerializeGate[In any, Out any](lower ByteStream, encode func(In) []byte, decode func([]byte) (Out, error)) *SerializeGate[In, Out] {
	g := &SerializeGate[In, Out]{lower: lower, encode: encode, decode: decode}
	g.info = lower.Info()
	g.sub = lower.OutData().Subscribe(func(b []byte) {
		v, err := decode(b)
		if err != nil {
			return
		}
		g.out.Emit(v)
	})
	lower.StreamUpdate().Subscribe(func(si StreamInfo) { g.setInfo(si) })
	return g
}

// Decoded is the typed counterpart of OutData for this gate.
func (g *SerializeGate[In, Out]) Decoded() *Event[Out] { return &g.out }

func (g *SerializeGate[In, Out]) Overhead() int { return 0 }

// WriteValue encodes v and forwards it to lower.
func (g *SerializeGate[In, Out]) WriteValue(v In) *WriteAction {
	return g.lower.Write(g.encode(v))
}

func (g *SerializeGate[In, Out]) Write(data []byte) *WriteAction { return g.lower.Write(data) }
func (g *SerializeGate[In, Out]) Restream() error                { return g.lower.Restream() }
func (g *SerializeGate[In, Out]) Close() error {
	g.sub.Unsubscribe()
	return g.lower.Close()
}
