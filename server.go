package aether

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync"
	"time"
)

// pingMethod is the authorized-session keep-alive call every
// ClientServerConnection issues on its own schedule (spec section 6).
var pingMethod = Method[struct{}]{
	ID:     0,
	Encode: func(struct{}) []byte { return nil },
	Decode: func([]byte) (struct{}, error) { return struct{}{}, nil },
}

func decodePingResult(b []byte) (struct{}, error) { return struct{}{}, nil }

// loginArgs carries login_by_uid's arguments: the client's own Uid and the
// AuthorizedApi credential blob (spec section 4.7).
type loginArgs struct {
	Uid  Uid
	Blob []byte
}

// loginMethod is login_by_uid, the first call issued on every newly linked
// session; no other sub-api traffic is sent until it resolves true (spec
// section 4.7's "authorized" state gate).
var loginMethod = Method[loginArgs]{
	ID: 2,
	Encode: func(a loginArgs) []byte {
		w := NewWriter()
		writeUid(w, a.Uid)
		w.WriteBytes(a.Blob)
		return w.Bytes()
	},
	Decode: func(b []byte) (loginArgs, error) {
		r := NewReader(b)
		uid, err := readUid(r)
		if err != nil {
			return loginArgs{}, err
		}
		blob, err := r.ReadBytes()
		if err != nil {
			return loginArgs{}, err
		}
		return loginArgs{Uid: uid, Blob: blob}, nil
	},
}

// decodeLoginResult reads the server's single accept/reject byte.
func decodeLoginResult(b []byte) (bool, error) {
	r := NewReader(b)
	v, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// authorizedApiBlob derives the AuthorizedApi credential login_by_uid
// presents: an HMAC-SHA256 over the client's identities keyed by its
// MasterKey, standing in for the encrypted blob spec section 4.7 names
// (the registration protocol that issues MasterKey is out of scope per
// registration.go's RegistrationClient interface).
func authorizedApiBlob(cc ClientConfig) []byte {
	mac := hmac.New(sha256.New, cc.MasterKey)
	mac.Write(cc.UID[:])
	mac.Write(cc.EphemeralUID[:])
	return mac.Sum(nil)
}

// coreSubAPI is the sub-api id for the always-present session methods
// (ping, login_by_uid, send_message, resolver_servers/resolver_clouds);
// application-defined sub-APIs start at 1.
const coreSubAPI SubAPIID = 0

// ClientServerConnection owns one authorized connection to one cloud
// server: its Channel, its RPCClient, and a ping action driving keep-alive
// and rotation through a single scheduler Action (spec section 4.8). No
// sub-api traffic beyond login_by_uid itself is ever issued on it until
// authorized flips true.
type ClientServerConnection struct {
	ServerID ServerId
	Channel  *Channel
	RPC      *RPCClient
	cfg      *Config
	sched    *Scheduler

	mu              sync.Mutex
	authorized      bool
	lastPingSent    time.Time
	lastPongAt      time.Time
	consecutiveFail int
	rotated         bool

	OnRotate Event[ServerId]
}

// newClientServerConnection wraps an already-connected Channel with RPC,
// performs the login_by_uid handshake synchronously, and only spawns the
// ping Action once the server has acknowledged it. A login rejection or
// failure returns a KindUnauthorized error and leaves nothing scheduled.
func newClientServerConnection(serverID ServerId, ch *Channel, cfg *Config, sched *Scheduler, cc ClientConfig) (*ClientServerConnection, error) {
	c := &ClientServerConnection{
		ServerID: serverID,
		Channel:  ch,
		RPC:      NewRPCClient(ch.Stream(), sched, cfg.responseTimeout),
		cfg:      cfg,
		sched:    sched,
	}
	c.lastPongAt = time.Now()
	if err := c.login(cc); err != nil {
		c.RPC.Close()
		return nil, err
	}
	sched.Spawn(&pingAction{conn: c})
	return c, nil
}

// login issues login_by_uid and blocks until the server acks or rejects
// it, gating every other sub-api call on this connection behind the
// "authorized" state (spec section 4.7).
func (c *ClientServerConnection) login(cc ClientConfig) error {
	promise := CallMethod(c.RPC, coreSubAPI, loginMethod, loginArgs{Uid: cc.UID, Blob: authorizedApiBlob(cc)}, decodeLoginResult)
	if err := waitPromise(promise, c.sched); err != nil {
		return NewError(KindUnauthorized, "server.login", err)
	}
	ok, _ := promise.Value()
	if !ok {
		return NewError(KindUnauthorized, "server.login", ErrLoginRejected)
	}
	c.mu.Lock()
	c.authorized = true
	c.mu.Unlock()
	return nil
}

// Authorized reports whether login_by_uid has completed successfully.
// Callers outside this file (the P2P send path) must check this before
// issuing sub-api traffic of their own, though in practice every
// connection in ServerConnectionManager's live pool has already passed
// login by construction.
func (c *ClientServerConnection) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// pingAction drives the keep-alive heartbeat: every cfg.pingInterval it
// sends a ping, and if cfg.pingFailureThreshold consecutive pings go
// unanswered the connection fires OnRotate, matching the resolved Open
// Question in DESIGN.md ("rotation threshold is a documented tunable, not
// a hard protocol contract").
type pingAction struct {
	conn *ClientServerConnection
}

func (a *pingAction) Update(now time.Time) UpdateStatus {
	c := a.conn
	if c.cfg.pingInterval <= 0 {
		return Stopped()
	}
	c.mu.Lock()
	if c.rotated {
		c.mu.Unlock()
		return Stopped()
	}
	due := c.lastPingSent.Add(c.cfg.pingInterval)
	if now.Before(due) {
		c.mu.Unlock()
		return Delay(due)
	}
	c.lastPingSent = now
	c.mu.Unlock()

	go func() {
		promise := CallMethod(c.RPC, coreSubAPI, pingMethod, struct{}{}, decodePingResult)
		err := waitPromise(promise, c.sched)
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.consecutiveFail++
			if c.consecutiveFail >= c.cfg.pingFailureThreshold {
				c.rotated = true
				go c.OnRotate.Emit(c.ServerID)
			}
			return
		}
		c.consecutiveFail = 0
		c.lastPongAt = time.Now()
	}()

	return Delay(now.Add(c.cfg.pingInterval))
}

// waitPromise blocks the calling goroutine until promise resolves, ticking
// sched itself about once a millisecond meanwhile (it does not spawn
// promise), for use by code running outside the scheduler's own Update
// calls (login, ping's response-wait goroutine, P2pSafeStream.Write).
func waitPromise[T any](p *ApiPromise[T], sched *Scheduler) error {
	for {
		select {
		case <-p.done:
			_, err := p.Value()
			return err
		default:
		}
		sched.Tick(time.Now())
		time.Sleep(time.Millisecond)
	}
}

// ServerConnectionManager maintains the pool of ClientServerConnections
// named by a ClientConfig's cloud list (spec section 4.8):
// AE_CLOUD_MAX_SERVER_CONNECTIONS live connections at a time, lowest-
// server-id-first priority (matching spec section 8 scenario S6's ordering
// requirement), with rotation replacing a dead connection from the next
// candidate in priority order.
type ServerConnectionManager struct {
	cc    ClientConfig
	cfg   *Config
	sched *Scheduler
	build TransportBuilder
	cloud []ServerConfig

	mu        sync.Mutex
	live      map[ServerId]*ClientServerConnection
	resolvers map[ServerId]*AccessPoint

	// OnConnect fires once per newly pooled connection, after login_by_uid
	// has succeeded; ClientMessageStreamManager subscribes to wire its
	// inbound send_message dispatch onto every connection as it joins the
	// pool (spec section 4.8/4.9).
	OnConnect Event[*ClientServerConnection]
}

// NewServerConnectionManager builds a manager over cc's cloud list.
func NewServerConnectionManager(cc ClientConfig, cfg *Config, sched *Scheduler, build TransportBuilder) *ServerConnectionManager {
	return &ServerConnectionManager{
		cc:        cc,
		cfg:       cfg,
		sched:     sched,
		build:     build,
		cloud:     cc.SortedCloud(),
		live:      make(map[ServerId]*ClientServerConnection),
		resolvers: make(map[ServerId]*AccessPoint),
	}
}

// EnsurePool connects up to cfg.maxServerConnections servers from the
// priority-ordered cloud list, skipping any already live.
func (m *ServerConnectionManager) EnsurePool() error {
	m.mu.Lock()
	need := m.cfg.maxServerConnections - len(m.live)
	candidates := make([]ServerConfig, 0, len(m.cloud))
	for _, sc := range m.cloud {
		if _, ok := m.live[sc.ServerID]; !ok {
			candidates = append(candidates, sc)
		}
	}
	m.mu.Unlock()

	for _, sc := range candidates {
		if need <= 0 {
			break
		}
		if err := m.connectServer(sc); err != nil {
			continue
		}
		need--
	}
	return nil
}

// connectServer tries every endpoint in sc.Endpoints in priority order
// (spec section 4.4/8-S4: e.g. Wi-Fi, then modem, then LoRa), falling
// through on any failure, then runs login_by_uid before the connection
// ever enters the live pool.
func (m *ServerConnectionManager) connectServer(sc ServerConfig) error {
	if len(sc.Endpoints) == 0 {
		return NewError(KindConfigurationError, "server.connect", ErrNoCandidates)
	}

	ch, ap, err := ConnectInPriorityOrder(sc.Endpoints, m.cfg, m.sched, m.build, DefaultResolver)
	if err != nil {
		return err
	}

	conn, err := newClientServerConnection(sc.ServerID, ch, m.cfg, m.sched, m.cc)
	if err != nil {
		return err
	}
	conn.OnRotate.Subscribe(func(id ServerId) { m.onRotate(id) })

	m.mu.Lock()
	m.live[sc.ServerID] = conn
	m.resolvers[sc.ServerID] = ap
	m.mu.Unlock()
	m.OnConnect.Emit(conn)
	return nil
}

func (m *ServerConnectionManager) onRotate(id ServerId) {
	m.mu.Lock()
	delete(m.live, id)
	delete(m.resolvers, id)
	m.mu.Unlock()
	m.EnsurePool()
}

// Connections returns the currently live connections in ascending
// ServerID priority order, the same order Default, Priority and Replica
// all share (spec section 8 scenario S6).
func (m *ServerConnectionManager) Connections() []*ClientServerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ClientServerConnection, 0, len(m.live))
	for _, sc := range m.cloud {
		if c, ok := m.live[sc.ServerID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Default returns the connection the P2P message stream manager should use
// as its current default transport: the lowest-ServerID live connection,
// matching the priority ordering used throughout this layer.
func (m *ServerConnectionManager) Default() (*ClientServerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *ClientServerConnection
	for _, sc := range m.cloud {
		if c, ok := m.live[sc.ServerID]; ok {
			best = c
			break
		}
	}
	if best == nil {
		return nil, NewError(KindResourceExhausted, "server.default", ErrNoChannelsAvailable)
	}
	return best, nil
}
