package aether

import "time"

// MethodID identifies one method within an API's dispatch table (spec
// section 4.7): a single byte, since no API defined by spec section 6 has
// more than 256 methods.
type MethodID uint8

// SubAPIID identifies a nested sub-API inside a parent API's payload
// (spec section 4.7's "length-prefixed byte blob whose contents are
// recursively the sub-API's own serialized method call").
type SubAPIID uint8

// Method is a single callable entry in an API's dispatch table: an id plus
// the encode/decode pair for its argument type. Declaring one Method value
// per RPC call (instead of a reflection-driven struct-tag scheme, which Go
// generics can't express over "any record type" the way spec section 9's
// reflection macros did) keeps method declaration explicit and enumerated,
// generalized to an open id space per API.
type Method[TArgs any] struct {
	ID     MethodID
	Encode func(TArgs) []byte
	Decode func([]byte) (TArgs, error)
}

// Call serializes args as this method's wire payload: [MethodID][encoded args].
func (m Method[TArgs]) Call(args TArgs) []byte {
	payload := m.Encode(args)
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(m.ID))
	out = append(out, payload...)
	return out
}

// Handler is what an API registers against a MethodID: given the encoded
// args bytes, it optionally produces a response payload (nil for fire-and-forget
// methods like send_telemetry).
type Handler func(args []byte) (response []byte, err error)

// Dispatch is a method-id keyed table built once per API type at
// registration time: an open space of per-API method ids instead of a
// small number of fixed message-type constants.
type Dispatch struct {
	handlers map[MethodID]Handler
}

// NewDispatch builds an empty Dispatch.
func NewDispatch() *Dispatch { return &Dispatch{handlers: make(map[MethodID]Handler)} }

// Register adds id's handler. Panics on a duplicate id within the same
// Dispatch (a build-time programming error, not a runtime one).
func (d *Dispatch) Register(id MethodID, h Handler) {
	if _, dup := d.handlers[id]; dup {
		panic("aether: method id already registered")
	}
	d.handlers[id] = h
}

// Invoke dispatches one incoming [MethodID][payload] frame.
func (d *Dispatch) Invoke(frame []byte) (response []byte, err error) {
	if len(frame) == 0 {
		return nil, NewError(KindProtocolViolation, "dispatch.invoke", ErrUnknownMethodID)
	}
	id := MethodID(frame[0])
	h, ok := d.handlers[id]
	if !ok {
		return nil, NewError(KindProtocolViolation, "dispatch.invoke", ErrUnknownMethodID)
	}
	return h(frame[1:])
}

// ApiPromise is the Action-shaped handle for one in-flight RPC call awaiting
// its ReturnResultApi response (spec section 4.7): it resolves Result with
// the decoded value, Error on a protocol/timeout failure.
type ApiPromise[T any] struct {
	decode   func([]byte) (T, error)
	deadline time.Time

	done  chan struct{}
	value T
	err   error
}

// newApiPromise builds a pending promise that expires at deadline.
func newApiPromise[T any](decode func([]byte) (T, error), deadline time.Time) *ApiPromise[T] {
	return &ApiPromise[T]{decode: decode, deadline: deadline, done: make(chan struct{})}
}

// Update implements Action: Errorf(Timeout) once the deadline passes
// without a resolved response, otherwise Continue.
func (p *ApiPromise[T]) Update(now time.Time) UpdateStatus {
	select {
	case <-p.done:
		if p.err != nil {
			return Errorf(p.err)
		}
		return Result()
	default:
	}
	if !p.deadline.IsZero() && !now.Before(p.deadline) {
		p.resolveErr(NewError(KindTimeout, "api_promise", ErrUnknownMethodID))
		return Errorf(p.err)
	}
	return Continue()
}

func (p *ApiPromise[T]) resolveValue(v T) {
	select {
	case <-p.done:
		return
	default:
		p.value = v
		close(p.done)
	}
}

func (p *ApiPromise[T]) resolveErr(err error) {
	select {
	case <-p.done:
		return
	default:
		p.err = err
		close(p.done)
	}
}

// onResponse feeds a raw response payload into the promise, decoding it and
// resolving Result/Error accordingly. Call sites wire this to the RPC
// client's response dispatch (rpc.go).
func (p *ApiPromise[T]) onResponse(payload []byte) {
	v, err := p.decode(payload)
	if err != nil {
		p.resolveErr(NewError(KindProtocolViolation, "api_promise.decode", err))
		return
	}
	p.resolveValue(v)
}

// Value returns the resolved value and error once Update has returned a
// terminal status.
func (p *ApiPromise[T]) Value() (T, error) {
	return p.value, p.err
}
