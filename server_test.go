package aether

import (
	"testing"
	"time"
)

// fakeChannel builds a *Channel whose Stream() is already set to one side of
// a fakeStream pair, bypassing DialEndpoint/ConnectAction so server.go's
// login/ping logic can be exercised without a real transport driver.
func fakeChannel(stream ByteStream) *Channel {
	ch := &Channel{connStats: NewStatisticsCounter[float64](DefaultStatsWindowSize)}
	ch.stream = stream
	return ch
}

// acceptLogin subscribes to peer's outbound frames and acks the first
// login_by_uid call it sees with accept (or reject, if accept is false),
// standing in for the server side of the handshake.
func acceptLogin(t *testing.T, peer *fakeStream, accept bool) {
	t.Helper()
	peer.OutData().Subscribe(func(frame []byte) {
		if len(frame) < 6 {
			return
		}
		callID := frame[:4]
		sub := frame[4]
		method := frame[5]
		if sub != byte(coreSubAPI) || method != byte(loginMethod.ID) {
			return
		}
		var result byte
		if accept {
			result = 1
		}
		peer.Write(append(append([]byte{}, callID...), result))
	})
}

func testClientConfig() ClientConfig {
	return ClientConfig{
		UID:          NewUid(),
		EphemeralUID: NewUid(),
		MasterKey:    []byte("test-master-key"),
	}
}

func TestNewClientServerConnectionLoginSucceeds(t *testing.T) {
	loA, loB := pairFakeStreams()
	acceptLogin(t, loB, true)

	cfg := defaultConfig()
	sched := NewScheduler()
	cc := testClientConfig()

	conn, err := newClientServerConnection(ServerId(1), fakeChannel(loA), cfg, sched, cc)
	if err != nil {
		t.Fatalf("newClientServerConnection: %v", err)
	}
	if !conn.Authorized() {
		t.Fatal("expected Authorized() to be true after a successful login_by_uid ack")
	}
}

func TestNewClientServerConnectionLoginRejected(t *testing.T) {
	loA, loB := pairFakeStreams()
	acceptLogin(t, loB, false)

	cfg := defaultConfig()
	sched := NewScheduler()
	cc := testClientConfig()

	conn, err := newClientServerConnection(ServerId(1), fakeChannel(loA), cfg, sched, cc)
	if err == nil {
		t.Fatal("expected an error when the server rejects login_by_uid")
	}
	if conn != nil {
		t.Fatal("expected a nil connection on login rejection")
	}
}

func TestNewClientServerConnectionLoginTimesOut(t *testing.T) {
	loA, _ := pairFakeStreams() // no peer subscriber: the login call never gets a response

	cfg := defaultConfig()
	cfg.responseTimeout = 10 * time.Millisecond
	sched := NewScheduler()
	cc := testClientConfig()

	conn, err := newClientServerConnection(ServerId(1), fakeChannel(loA), cfg, sched, cc)
	if err == nil {
		t.Fatal("expected an error when login_by_uid never receives a response")
	}
	if conn != nil {
		t.Fatal("expected a nil connection on login timeout")
	}
}

func TestAuthorizedApiBlobDeterministicPerIdentity(t *testing.T) {
	cc := testClientConfig()
	b1 := authorizedApiBlob(cc)
	b2 := authorizedApiBlob(cc)
	if string(b1) != string(b2) {
		t.Fatal("expected the same ClientConfig to derive the same blob every time")
	}

	other := testClientConfig()
	if string(authorizedApiBlob(other)) == string(b1) {
		t.Fatal("expected different identities to derive different blobs")
	}
}

func TestServerConnectionManagerConnectionsOrderedByServerID(t *testing.T) {
	loA1, loB1 := pairFakeStreams()
	loA2, loB2 := pairFakeStreams()
	acceptLogin(t, loB1, true)
	acceptLogin(t, loB2, true)

	cfg := defaultConfig()
	sched := NewScheduler()
	cc := testClientConfig()

	connHigh, err := newClientServerConnection(ServerId(5), fakeChannel(loA1), cfg, sched, cc)
	if err != nil {
		t.Fatalf("connect high: %v", err)
	}
	connLow, err := newClientServerConnection(ServerId(2), fakeChannel(loA2), cfg, sched, cc)
	if err != nil {
		t.Fatalf("connect low: %v", err)
	}

	m := &ServerConnectionManager{
		cc:  cc,
		cfg: cfg,
		cloud: []ServerConfig{
			{ServerID: 2},
			{ServerID: 5},
		},
		live: map[ServerId]*ClientServerConnection{
			5: connHigh,
			2: connLow,
		},
		resolvers: map[ServerId]*AccessPoint{},
	}

	got := m.Connections()
	if len(got) != 2 || got[0].ServerID != 2 || got[1].ServerID != 5 {
		t.Fatalf("Connections() not in ascending ServerID order: %+v", got)
	}
}
