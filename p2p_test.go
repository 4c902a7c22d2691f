package aether

import (
	"testing"
	"time"
)

// testServerConnectionManager builds count authorized ClientServerConnections
// over fakeStream pairs (ServerIDs 1..count) and wraps them in a
// ServerConnectionManager without going through connectServer/DialEndpoint,
// returning the manager plus the server-side peer of each connection's
// stream so tests can act as that server.
func testServerConnectionManager(t *testing.T, count int) (*ServerConnectionManager, []*fakeStream) {
	return testServerConnectionManagerWithConfig(t, count, defaultConfig())
}

func testServerConnectionManagerWithConfig(t *testing.T, count int, cfg *Config) (*ServerConnectionManager, []*fakeStream) {
	t.Helper()
	sched := NewScheduler()
	cc := testClientConfig()

	m := &ServerConnectionManager{
		cc:        cc,
		cfg:       cfg,
		sched:     sched,
		live:      make(map[ServerId]*ClientServerConnection),
		resolvers: make(map[ServerId]*AccessPoint),
	}

	peers := make([]*fakeStream, 0, count)
	for i := 1; i <= count; i++ {
		loA, loB := pairFakeStreams()
		acceptLogin(t, loB, true)
		conn, err := newClientServerConnection(ServerId(i), fakeChannel(loA), cfg, sched, cc)
		if err != nil {
			t.Fatalf("connect server %d: %v", i, err)
		}
		m.cloud = append(m.cloud, ServerConfig{ServerID: ServerId(i)})
		m.live[ServerId(i)] = conn
		peers = append(peers, loB)
	}
	return m, peers
}

// ackSendMessage makes peer acknowledge every send_message call it receives
// on coreSubAPI, standing in for the server relaying a P2P send.
func ackSendMessage(peer *fakeStream) {
	peer.OutData().Subscribe(func(frame []byte) {
		if len(frame) < 6 || frame[4] != byte(coreSubAPI) || frame[5] != byte(sendMessageMethod.ID) {
			return
		}
		callID := frame[:4]
		peer.Write(append(append([]byte{}, callID...), 1))
	})
}

func TestClientMessageStreamManagerSendPriorityUsesIndexedConnection(t *testing.T) {
	m, peers := testServerConnectionManager(t, 3)
	ackSendMessage(peers[1]) // only the second connection (index 1) acks

	msm := NewClientMessageStreamManager(m, m.sched)
	stream := msm.Open(NewUid())

	promise := stream.Send([]byte("hi"), Priority(1))
	if err := waitPromise(promise, m.sched); err != nil {
		t.Fatalf("Priority(1) send: %v", err)
	}
}

func TestClientMessageStreamManagerSendPriorityOutOfRange(t *testing.T) {
	m, _ := testServerConnectionManager(t, 2)
	msm := NewClientMessageStreamManager(m, m.sched)
	stream := msm.Open(NewUid())

	promise := stream.Send([]byte("hi"), Priority(5))
	if err := waitPromise(promise, m.sched); err == nil {
		t.Fatal("expected an error for a Priority index with no live connection")
	}
}

func TestClientMessageStreamManagerSendReplicaFirstResponseWins(t *testing.T) {
	m, peers := testServerConnectionManager(t, 3)
	ackSendMessage(peers[0])
	ackSendMessage(peers[2])
	// peers[1] never acks: its attempt should be abandoned once one of the
	// other two resolves, not block the whole call.

	msm := NewClientMessageStreamManager(m, m.sched)
	stream := msm.Open(NewUid())

	promise := stream.Send([]byte("hi"), Replica(3))
	if err := waitPromise(promise, m.sched); err != nil {
		t.Fatalf("Replica(3) send: %v", err)
	}
}

func TestClientMessageStreamManagerSendReplicaAllFail(t *testing.T) {
	cfg := defaultConfig()
	cfg.responseTimeout = 10 * time.Millisecond
	m, _ := testServerConnectionManagerWithConfig(t, 2, cfg)

	msm := NewClientMessageStreamManager(m, m.sched)
	stream := msm.Open(NewUid())

	promise := stream.Send([]byte("hi"), Replica(2))
	if err := waitPromise(promise, m.sched); err == nil {
		t.Fatal("expected an error when no replica ever responds")
	}
}

func TestClientMessageStreamManagerNewStreamFiresOnceOnInboundDiscovery(t *testing.T) {
	m, peers := testServerConnectionManager(t, 1)
	msm := NewClientMessageStreamManager(m, m.sched)

	var fired int
	msm.NewStream.Subscribe(func(*P2pStream) { fired++ })

	from := NewUid()
	frame := sendMessageMethod.Call(p2pSendArgs{To: from, Payload: []byte("hello")})
	// Simulate the server relaying an inbound call from "from": a
	// [callID][sub][method][args] frame our own pending-call table has never
	// seen, so RPCClient routes it to the registered sub-api handler.
	inbound := append([]byte{0, 0, 0, 0, byte(coreSubAPI)}, frame...)
	peers[0].Write(inbound)

	if fired != 1 {
		t.Fatalf("NewStream fired %d times, want exactly 1", fired)
	}

	// A second message from the same peer must not fire NewStream again.
	inbound2 := append([]byte{0, 0, 0, 1, byte(coreSubAPI)}, frame...)
	peers[0].Write(inbound2)
	if fired != 1 {
		t.Fatalf("NewStream fired again on a second message from a known peer: %d", fired)
	}
}

func TestClientMessageStreamManagerInboundDeliversToStream(t *testing.T) {
	m, peers := testServerConnectionManager(t, 1)
	msm := NewClientMessageStreamManager(m, m.sched)

	from := NewUid()
	var got []byte
	msm.NewStream.Subscribe(func(s *P2pStream) {
		s.Received().Subscribe(func(b []byte) { got = b })
	})

	frame := sendMessageMethod.Call(p2pSendArgs{To: from, Payload: []byte("hello")})
	inbound := append([]byte{0, 0, 0, 0, byte(coreSubAPI)}, frame...)
	peers[0].Write(inbound)

	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}
