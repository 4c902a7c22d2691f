package aether

import (
	"sync"
	"time"
)

// sendMessageMethod is the core relay call: send raw application bytes to
// peer (spec section 6's send_message).
var sendMessageMethod = Method[p2pSendArgs]{
	ID: 1,
	Encode: func(a p2pSendArgs) []byte {
		w := NewWriter()
		var uidBytes [16]byte = a.To
		w.buf.Write(uidBytes[:])
		w.WriteBytes(a.Payload)
		return w.Bytes()
	},
	Decode: func(b []byte) (p2pSendArgs, error) {
		r := NewReader(b)
		if err := r.need(16); err != nil {
			return p2pSendArgs{}, err
		}
		var to Uid
		copy(to[:], b[:16])
		r.pos = 16
		payload, err := r.ReadBytes()
		if err != nil {
			return p2pSendArgs{}, err
		}
		return p2pSendArgs{To: to, Payload: payload}, nil
	},
}

type p2pSendArgs struct {
	To      Uid
	Payload []byte
}

func decodeSendAck(b []byte) (struct{}, error) { return struct{}{}, nil }

// SendPolicy selects which live server connection(s) a send uses, instead
// of always going through ServerConnectionManager.Default (spec section
// 4.7). The zero value is the default policy.
type SendPolicy struct {
	kind     sendPolicyKind
	index    int
	replicas int
}

type sendPolicyKind int

const (
	policyDefault sendPolicyKind = iota
	policyPriority
	policyReplica
)

// Priority sends via the index'th live connection in ascending ServerID
// order (index 0 is the same connection Default would pick).
func Priority(index int) SendPolicy { return SendPolicy{kind: policyPriority, index: index} }

// Replica sends to the first count live connections in ascending ServerID
// order concurrently; whichever responds first resolves the returned
// promise and every other attempt is abandoned (spec section 4.7).
func Replica(count int) SendPolicy { return SendPolicy{kind: policyReplica, replicas: count} }

// P2pStream is one unreliable, unordered logical channel to a single peer
// Uid, multiplexed over whichever ClientServerConnection currently holds
// the "default" slot (spec section 4.9).
type P2pStream struct {
	peer    Uid
	manager *ClientMessageStreamManager

	mu  sync.Mutex
	out Event[[]byte]
}

// Send relays data to the peer via the manager's current default server
// connection, or via whatever SendPolicy the caller supplies (Priority or
// Replica).
func (s *P2pStream) Send(data []byte, policy ...SendPolicy) *ApiPromise[struct{}] {
	p := SendPolicy{kind: policyDefault}
	if len(policy) > 0 {
		p = policy[0]
	}
	return s.manager.send(s.peer, data, p)
}

// Received fires once per inbound message from this peer.
func (s *P2pStream) Received() *Event[[]byte] { return &s.out }

func (s *P2pStream) deliver(data []byte) { s.out.Emit(data) }

// P2pSafeStream adapts P2pStream's Send/Received pair to the ByteStream
// shape SafeStream expects, so the safe-stream reliability layer (C7) can
// be layered on top for ordered, exactly-once delivery. It adds no
// reliability of its own: Info reports IsReliable false, and each Write is
// one Send to the peer.
type P2pSafeStream struct {
	baseStream
	inner *P2pStream
	sub   *Subscription
}

// NewP2pSafeStream wraps inner, forwarding its Received events as raw
// OutData so a SafeStream (or any Gate) can be layered on top.
func NewP2pSafeStream(inner *P2pStream) *P2pSafeStream {
	s := &P2pSafeStream{inner: inner}
	s.info = StreamInfo{IsReliable: false, IsWritable: true, LinkState: LinkLinked, MaxElementSize: 1 << 16}
	s.sub = inner.Received().Subscribe(func(b []byte) { s.outEv.Emit(b) })
	return s
}

func (s *P2pSafeStream) Write(data []byte) *WriteAction {
	action := newWriteAction()
	promise := s.inner.Send(data)
	go func() {
		err := waitPromise(promise, s.inner.manager.sched)
		if err != nil {
			action.resolve(Errorf(err))
			return
		}
		action.resolve(Result())
	}()
	return action
}

func (s *P2pSafeStream) Restream() error { return nil }
func (s *P2pSafeStream) Close() error {
	s.sub.Unsubscribe()
	return nil
}

// ClientMessageStreamManager multiplexes P2pStreams over the current
// default ClientServerConnection, re-homing them whenever the server
// manager rotates its default (spec section 4.9).
type ClientMessageStreamManager struct {
	servers *ServerConnectionManager
	sched   *Scheduler

	mu      sync.Mutex
	streams map[Uid]*P2pStream

	// NewStream fires exactly once per peer, the first time a message
	// arrives from a Uid this manager has never seen before (spec section
	// 3/4.8/4.9, scenario S1: "B's new_stream_event fires once"). Streams
	// opened locally via Open for an outbound Send don't trigger it; only
	// first contact from the other side does.
	NewStream Event[*P2pStream]
}

// NewClientMessageStreamManager builds a manager over servers, wiring
// every connection currently in its pool (and every one that joins later)
// so inbound send_message calls reach deliverInbound (spec section 4.8's
// missing half of the C10 inbound path).
func NewClientMessageStreamManager(servers *ServerConnectionManager, sched *Scheduler) *ClientMessageStreamManager {
	m := &ClientMessageStreamManager{servers: servers, sched: sched, streams: make(map[Uid]*P2pStream)}
	for _, c := range servers.Connections() {
		m.wireConnection(c)
	}
	servers.OnConnect.Subscribe(m.wireConnection)
	return m
}

// wireConnection registers this manager as conn's send_message handler,
// so any call the server relays to us from another peer routes to
// deliverInbound instead of being silently dropped by RPCClient.
func (m *ClientMessageStreamManager) wireConnection(conn *ClientServerConnection) {
	d := NewDispatch()
	d.Register(sendMessageMethod.ID, func(args []byte) ([]byte, error) {
		decoded, err := sendMessageMethod.Decode(args)
		if err != nil {
			return nil, err
		}
		m.deliverInbound(decoded.To, decoded.Payload)
		w := NewWriter()
		w.WriteUint8(1)
		return w.Bytes(), nil
	})
	conn.RPC.RegisterSubAPI(coreSubAPI, d)
}

// Open returns the P2pStream for peer, creating it if this is the first
// call for that peer. Unlike deliverInbound, this never fires NewStream:
// the caller already knows about peer, it's asking to talk to it.
func (m *ClientMessageStreamManager) Open(peer Uid) *P2pStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(peer)
}

func (m *ClientMessageStreamManager) openLocked(peer Uid) *P2pStream {
	if s, ok := m.streams[peer]; ok {
		return s
	}
	s := &P2pStream{peer: peer, manager: m}
	m.streams[peer] = s
	return s
}

func failedSendAck(err error) *ApiPromise[struct{}] {
	p := newApiPromise(decodeSendAck, time.Time{})
	p.resolveErr(err)
	return p
}

func (m *ClientMessageStreamManager) send(peer Uid, data []byte, policy SendPolicy) *ApiPromise[struct{}] {
	switch policy.kind {
	case policyPriority:
		return m.sendPriority(peer, data, policy.index)
	case policyReplica:
		return m.sendReplica(peer, data, policy.replicas)
	default:
		return m.sendDefault(peer, data)
	}
}

func (m *ClientMessageStreamManager) callSend(conn *ClientServerConnection, peer Uid, data []byte) *ApiPromise[struct{}] {
	if !conn.Authorized() {
		return failedSendAck(NewError(KindUnauthorized, "p2p.send", ErrLoginRejected))
	}
	return CallMethod(conn.RPC, coreSubAPI, sendMessageMethod, p2pSendArgs{To: peer, Payload: data}, decodeSendAck)
}

func (m *ClientMessageStreamManager) sendDefault(peer Uid, data []byte) *ApiPromise[struct{}] {
	conn, err := m.servers.Default()
	if err != nil {
		return failedSendAck(err)
	}
	return m.callSend(conn, peer, data)
}

// sendPriority uses the index'th connection in Connections' priority
// order (spec section 4.7's Priority{index} policy).
func (m *ClientMessageStreamManager) sendPriority(peer Uid, data []byte, index int) *ApiPromise[struct{}] {
	conns := m.servers.Connections()
	if index < 0 || index >= len(conns) {
		return failedSendAck(NewError(KindResourceExhausted, "p2p.send_priority", ErrPriorityOutOfRange))
	}
	return m.callSend(conns[index], peer, data)
}

// replicaAttempt tracks one in-flight call issued by sendReplica.
type replicaAttempt struct {
	promise *ApiPromise[struct{}]
	cancel  func()
	done    bool
}

// sendReplica issues the same send_message call on the first count
// connections in priority order concurrently, resolving as soon as any one
// succeeds and abandoning the rest (spec section 4.7's Replica{count}
// policy).
func (m *ClientMessageStreamManager) sendReplica(peer Uid, data []byte, count int) *ApiPromise[struct{}] {
	if count < 1 {
		return failedSendAck(NewError(KindConfigurationError, "p2p.send_replica", ErrReplicaCountInvalid))
	}
	conns := m.servers.Connections()
	if len(conns) == 0 {
		return failedSendAck(NewError(KindResourceExhausted, "p2p.send_replica", ErrNoChannelsAvailable))
	}
	if count > len(conns) {
		count = len(conns)
	}

	attempts := make([]replicaAttempt, 0, count)
	for _, conn := range conns[:count] {
		if !conn.Authorized() {
			continue
		}
		p, cancel := CallMethodCancel(conn.RPC, coreSubAPI, sendMessageMethod, p2pSendArgs{To: peer, Payload: data}, decodeSendAck)
		attempts = append(attempts, replicaAttempt{promise: p, cancel: cancel})
	}
	if len(attempts) == 0 {
		return failedSendAck(NewError(KindUnauthorized, "p2p.send_replica", ErrLoginRejected))
	}

	out := newApiPromise(decodeSendAck, time.Time{})
	go m.raceReplicas(attempts, out)
	return out
}

// raceReplicas waits for the first successful attempt and resolves out
// with it, cancelling every attempt still pending once a winner is found.
// If every attempt fails, out resolves with the last observed error.
func (m *ClientMessageStreamManager) raceReplicas(attempts []replicaAttempt, out *ApiPromise[struct{}]) {
	var lastErr error
	for {
		pending := 0
		for i := range attempts {
			if attempts[i].done {
				continue
			}
			select {
			case <-attempts[i].promise.done:
				attempts[i].done = true
				if _, err := attempts[i].promise.Value(); err != nil {
					lastErr = err
					continue
				}
				out.resolveValue(struct{}{})
				for j := range attempts {
					if j != i && !attempts[j].done {
						attempts[j].cancel()
					}
				}
				return
			default:
				pending++
			}
		}
		if pending == 0 {
			if lastErr == nil {
				lastErr = NewError(KindTransportFailure, "p2p.send_replica", ErrNoChannelsAvailable)
			}
			out.resolveErr(lastErr)
			return
		}
		if m.sched != nil {
			m.sched.Tick(time.Now())
		}
		time.Sleep(time.Millisecond)
	}
}

// deliverInbound routes an inbound send_message payload to its stream,
// creating the stream (and firing NewStream) on first contact from an
// unknown peer (spec section 4.9: peers are discovered by first inbound
// message, not pre-registered).
func (m *ClientMessageStreamManager) deliverInbound(from Uid, payload []byte) {
	m.mu.Lock()
	_, existed := m.streams[from]
	s := m.openLocked(from)
	m.mu.Unlock()
	if !existed {
		m.NewStream.Emit(s)
	}
	s.deliver(payload)
}
