package aether

import "time"

// LinkState is the lifecycle state of a ByteStream (spec section 3).
type LinkState int

const (
	LinkUnlinked LinkState = iota
	LinkLinking
	LinkLinked
	LinkError
)

func (s LinkState) String() string {
	switch s {
	case LinkUnlinked:
		return "unlinked"
	case LinkLinking:
		return "linking"
	case LinkLinked:
		return "linked"
	case LinkError:
		return "link-error"
	default:
		return "unknown"
	}
}

// StreamInfo is the observable state of a ByteStream, re-emitted on
// StreamUpdate whenever any field changes (spec section 3).
type StreamInfo struct {
	RecElementSize uint32
	MaxElementSize uint32
	IsReliable     bool
	LinkState      LinkState
	IsWritable     bool
}

// WriteAction is the Action returned by ByteStream.Write: it resolves
// Result once the bytes are accepted by the layer below (not necessarily
// on the wire yet), Error on failure (e.g. Backpressure, TransportFailure),
// or stays pending if the layer is applying backpressure.
type WriteAction struct {
	done   chan struct{}
	status UpdateStatus
}

func newWriteAction() *WriteAction {
	return &WriteAction{done: make(chan struct{})}
}

// Update implements Action. Composition layers that hold a WriteAction as
// a sub-action call this from their own Update.
func (w *WriteAction) Update(now time.Time) UpdateStatus {
	select {
	case <-w.done:
		return w.status
	default:
		return Continue()
	}
}

// resolve completes the action exactly once; later calls are no-ops.
func (w *WriteAction) resolve(status UpdateStatus) {
	select {
	case <-w.done:
		return
	default:
		w.status = status
		close(w.done)
	}
}

// Wait blocks the calling goroutine until the write resolves. Gates run
// inside the scheduler and never call Wait themselves; it exists for
// application code driving the engine from an ordinary goroutine.
func (w *WriteAction) Wait() error {
	<-w.done
	if w.status.Kind == StatusError {
		return w.status.Err
	}
	return nil
}

// ByteStream is the universal byte pipe (spec section 3/4.2). Every
// transport driver and every gate implements it, so gates can be chained
// transparently over drivers or over other gates.
type ByteStream interface {
	// Write enqueues data and returns an action tracking its acceptance.
	Write(data []byte) *WriteAction
	// OutData fires once per logical unit of inbound data (one frame for a
	// framed stream, one datagram for a datagramq one).
	OutData() *Event[[]byte]
	// Info returns the current StreamInfo snapshot.
	Info() StreamInfo
	// StreamUpdate fires whenever Info()'s result would change.
	StreamUpdate() *Event[StreamInfo]
	// Restream forces a reconnect of the underlying link. Gates that hold
	// cryptographic state (CryptoGate) MUST treat this as a re-keying
	// event (spec section 9 design note) to avoid nonce reuse.
	Restream() error
	// Close releases the stream and anything it owns.
	Close() error
}

// baseStream is embedded by gates and drivers alike to provide the
// info/event bookkeeping common to every ByteStream.
type baseStream struct {
	info   StreamInfo
	outEv  Event[[]byte]
	updEv  Event[StreamInfo]
}

func (b *baseStream) OutData() *Event[[]byte]          { return &b.outEv }
func (b *baseStream) StreamUpdate() *Event[StreamInfo]  { return &b.updEv }
func (b *baseStream) Info() StreamInfo                  { return b.info }

// setInfo updates info and emits StreamUpdate iff it actually changed.
func (b *baseStream) setInfo(next StreamInfo) {
	if b.info == next {
		return
	}
	b.info = next
	b.updEv.Emit(next)
}
