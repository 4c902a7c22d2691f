package aether

import (
	"encoding/binary"
	"sync"
	"time"
)

// ReturnResultApi is the one built-in sub-API every authorized session
// carries (spec section 4.7): it correlates a response frame back to the
// call that produced it via a 4-byte call id prefix. Every outbound call
// frame is [callID uint32][SubAPIID][MethodID][args]; every response frame
// is [callID uint32][payload].
type ReturnResultApi struct {
	mu       sync.Mutex
	nextCall uint32
	pending  map[uint32]func([]byte)
}

// NewReturnResultApi builds an empty call-id correlation table.
func NewReturnResultApi() *ReturnResultApi {
	return &ReturnResultApi{pending: make(map[uint32]func([]byte))}
}

// nextCallID mints a call id and registers deliver as the handler for its
// eventual response.
func (r *ReturnResultApi) nextCallID(deliver func([]byte)) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextCall
	r.nextCall++
	r.pending[id] = deliver
	return id
}

// Resolve delivers payload to the pending call matching callID, if any.
// An unmatched response (e.g. one that arrived after the caller gave up)
// is dropped silently, matching spec section 7's non-fatal protocol-noise
// handling.
func (r *ReturnResultApi) Resolve(callID uint32, payload []byte) {
	r.TryResolve(callID, payload)
}

// TryResolve is Resolve, reporting whether callID actually matched a
// pending call. RPCClient uses this to tell an inbound response frame
// (callID matches one of our own outbound calls) from an inbound call
// frame the peer initiated (callID doesn't match anything pending),
// since both share the same [callID uint32][rest] wire shape.
func (r *ReturnResultApi) TryResolve(callID uint32, payload []byte) bool {
	r.mu.Lock()
	deliver, ok := r.pending[callID]
	if ok {
		delete(r.pending, callID)
	}
	r.mu.Unlock()
	if ok {
		deliver(payload)
	}
	return ok
}

// abandon removes callID's pending handler without delivering anything,
// used when a call times out so a late response can't resurrect it.
func (r *ReturnResultApi) abandon(callID uint32) {
	r.mu.Lock()
	delete(r.pending, callID)
	r.mu.Unlock()
}

// RPCClient issues method calls over an authorized ByteStream and
// correlates their responses via ReturnResultApi, dispatching over an
// open per-API method space (spec section 4.7). It also answers inbound
// calls the peer initiates against whichever sub-apis were registered via
// RegisterSubAPI (spec section 4.8/4.9's server-pushed send_message being
// the one every client wires in).
type RPCClient struct {
	stream  ByteStream
	results *ReturnResultApi
	sched   *Scheduler
	sub     *Subscription
	timeout time.Duration

	mu      sync.Mutex
	subAPIs map[SubAPIID]*Dispatch
}

// NewRPCClient wraps stream (already framed+encrypted) with RPC call/
// response correlation.
func NewRPCClient(stream ByteStream, sched *Scheduler, timeout time.Duration) *RPCClient {
	c := &RPCClient{stream: stream, results: NewReturnResultApi(), sched: sched, timeout: timeout, subAPIs: make(map[SubAPIID]*Dispatch)}
	c.sub = stream.OutData().Subscribe(c.onFrame)
	return c
}

// RegisterSubAPI installs d as the handler table for inbound calls tagged
// sub. An inbound [callID][sub][MethodID][args] frame whose callID
// doesn't match one of our own pending calls is looked up here instead;
// if d.Invoke produces a response it is written back as [callID][response].
func (c *RPCClient) RegisterSubAPI(sub SubAPIID, d *Dispatch) {
	c.mu.Lock()
	c.subAPIs[sub] = d
	c.mu.Unlock()
}

func (c *RPCClient) onFrame(frame []byte) {
	if len(frame) < 4 {
		return
	}
	callID := binary.LittleEndian.Uint32(frame[:4])
	rest := frame[4:]
	if c.results.TryResolve(callID, rest) {
		return
	}
	c.handleInboundCall(callID, rest)
}

// handleInboundCall dispatches a [sub][MethodID][args] frame the peer
// addressed to us, sharing callID's wire slot with our own outbound calls
// but never matching one of them (see TryResolve).
func (c *RPCClient) handleInboundCall(callID uint32, rest []byte) {
	if len(rest) < 1 {
		return
	}
	sub := SubAPIID(rest[0])
	c.mu.Lock()
	d, ok := c.subAPIs[sub]
	c.mu.Unlock()
	if !ok {
		return
	}
	resp, err := d.Invoke(rest[1:])
	if err != nil || resp == nil {
		return
	}
	frame := make([]byte, 0, 4+len(resp))
	var cb [4]byte
	binary.LittleEndian.PutUint32(cb[:], callID)
	frame = append(frame, cb[:]...)
	frame = append(frame, resp...)
	c.stream.Write(frame)
}

// CallMethod invokes method on sub, returning an *ApiPromise[TResult] that
// reaches a terminal status on the response or the timeout. When the
// client has a scheduler the promise is already spawned on it; otherwise
// the caller spawns or polls it. Must be called from ordinary application goroutines,
// never from inside another Action's Update; it blocks briefly on local
// write-acceptance, which Update must never do.
func CallMethod[TArgs any, TResult any](c *RPCClient, sub SubAPIID, method Method[TArgs], args TArgs, decode func([]byte) (TResult, error)) *ApiPromise[TResult] {
	promise, _ := CallMethodCancel(c, sub, method, args, decode)
	return promise
}

// CallMethodCancel is CallMethod plus a cancel func that abandons the
// pending call: any response that arrives after cancel is dropped instead
// of resolving the promise. The Replica request policy (spec section 4.7)
// uses this to drop the losing calls once the first reply wins.
func CallMethodCancel[TArgs any, TResult any](c *RPCClient, sub SubAPIID, method Method[TArgs], args TArgs, decode func([]byte) (TResult, error)) (*ApiPromise[TResult], func()) {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	promise := newApiPromise(decode, deadline)

	callID := c.results.nextCallID(func(payload []byte) { promise.onResponse(payload) })

	frame := make([]byte, 0, 4+1+1+32)
	var cb [4]byte
	binary.LittleEndian.PutUint32(cb[:], callID)
	frame = append(frame, cb[:]...)
	frame = append(frame, byte(sub))
	frame = append(frame, method.Call(args)...)

	action := c.stream.Write(frame)
	action.Wait() // write-acceptance is local and fast; the response is what Update loops on

	if c.sched != nil {
		c.sched.Spawn(promise)
	}
	return promise, func() { c.results.abandon(callID) }
}

// Notify sends a fire-and-forget call (e.g. send_telemetry): no call id,
// no response correlation.
func Notify[TArgs any](c *RPCClient, sub SubAPIID, method Method[TArgs], args TArgs) *WriteAction {
	frame := make([]byte, 0, 1+1+32)
	frame = append(frame, byte(sub))
	frame = append(frame, method.Call(args)...)
	return c.stream.Write(frame)
}

func (c *RPCClient) Close() error {
	c.sub.Unsubscribe()
	return nil
}
