package aether

import "context"

// ObjectStore is the persistent-state collaborator every embedder supplies
// (spec section 6): registration's ClientConfig, once obtained, round-trips
// through it so restarts don't re-register. No concrete backing is
// implemented here, out of scope per spec.md's scoping of storage
// internals, but Registrar exercises the interface on every
// successful registration, so the dependency has a real call site instead
// of sitting unused.
type ObjectStore interface {
	Enumerate(ctx context.Context, prefix string) ([]string, error)
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
	CleanUp(ctx context.Context) error
}

// clientConfigKey is the ObjectStore key ClientConfig is persisted under.
const clientConfigKey = "client_config"

// RegistrationClient performs the handshake steps spec section 4.10 names
// (asymmetric key exchange, registration, cloud resolution), returning a
// ClientConfig the caller hands to NewServerConnectionManager. Per
// SPEC_FULL.md §4.10 this is an interface only: no cryptographic handshake
// internals beyond message shapes are implemented, matching spec.md's
// explicit scoping of the registration protocol's internals as out of
// scope for this engine.
type RegistrationClient interface {
	// GetAsymmetricPublicKey retrieves the root server's long-term public
	// key, the first step of registration.
	GetAsymmetricPublicKey(ctx context.Context, root Endpoint) ([]byte, error)
	// Register exchanges parentUID (or a zero Uid for a fresh identity)
	// and masterKey for a newly minted ClientConfig.
	Register(ctx context.Context, root Endpoint, parentUID Uid, masterKey []byte) (ClientConfig, error)
	// ResolveServers refreshes the caller's cloud membership against the
	// root server, used when a ClientConfig loaded from storage has gone
	// stale.
	ResolveServers(ctx context.Context, root Endpoint, clientUID Uid) ([]ServerConfig, error)
}

// Registrar composes a RegistrationClient with an ObjectStore so a caller
// gets "load-or-register" in one call, exercising the persistence
// collaborator interface on every registration.
type Registrar struct {
	client RegistrationClient
	store  ObjectStore
}

// NewRegistrar builds a Registrar over client and store.
func NewRegistrar(client RegistrationClient, store ObjectStore) *Registrar {
	return &Registrar{client: client, store: store}
}

// LoadOrRegister returns a previously persisted ClientConfig from store, or
// performs a fresh registration against root and persists the result.
func (r *Registrar) LoadOrRegister(ctx context.Context, root Endpoint, masterKey []byte) (ClientConfig, error) {
	if data, err := r.store.Load(ctx, clientConfigKey); err == nil && len(data) > 0 {
		cc, err := decodeClientConfig(data)
		if err == nil {
			return cc, nil
		}
	}

	cc, err := r.client.Register(ctx, root, Uid{}, masterKey)
	if err != nil {
		return ClientConfig{}, NewError(KindUnauthorized, "registrar.register", err)
	}
	if err := r.store.Store(ctx, clientConfigKey, encodeClientConfig(cc)); err != nil {
		return ClientConfig{}, NewError(KindConfigurationError, "registrar.persist", err)
	}
	return cc, nil
}

// RefreshCloud re-resolves cc's server list against root and persists the
// update.
func (r *Registrar) RefreshCloud(ctx context.Context, root Endpoint, cc ClientConfig) (ClientConfig, error) {
	servers, err := r.client.ResolveServers(ctx, root, cc.UID)
	if err != nil {
		return cc, NewError(KindTransportFailure, "registrar.resolve_servers", err)
	}
	cc.Cloud = servers
	if err := r.store.Store(ctx, clientConfigKey, encodeClientConfig(cc)); err != nil {
		return cc, NewError(KindConfigurationError, "registrar.persist", err)
	}
	return cc, nil
}

// encodeClientConfig/decodeClientConfig give ClientConfig a wire.go-backed
// serialization so it can round-trip through an ObjectStore.
func encodeClientConfig(cc ClientConfig) []byte {
	w := NewWriter()
	writeUid(w, cc.ParentUID)
	writeUid(w, cc.UID)
	writeUid(w, cc.EphemeralUID)
	w.WriteBytes(cc.MasterKey)
	w.WriteUint32(uint32(len(cc.Cloud)))
	for _, sc := range cc.Cloud {
		w.WriteUint32(uint32(sc.ServerID))
		w.WriteUint32(uint32(len(sc.Endpoints)))
		for _, ep := range sc.Endpoints {
			w.WriteString(ep.String())
		}
	}
	return w.Bytes()
}

func decodeClientConfig(data []byte) (ClientConfig, error) {
	r := NewReader(data)
	var cc ClientConfig
	var err error
	if cc.ParentUID, err = readUid(r); err != nil {
		return cc, err
	}
	if cc.UID, err = readUid(r); err != nil {
		return cc, err
	}
	if cc.EphemeralUID, err = readUid(r); err != nil {
		return cc, err
	}
	if cc.MasterKey, err = r.ReadBytes(); err != nil {
		return cc, err
	}
	n, err := r.ReadUint32()
	if err != nil {
		return cc, err
	}
	cc.Cloud = make([]ServerConfig, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := r.ReadUint32()
		if err != nil {
			return cc, err
		}
		m, err := r.ReadUint32()
		if err != nil {
			return cc, err
		}
		eps := make([]Endpoint, 0, m)
		for j := uint32(0); j < m; j++ {
			s, err := r.ReadString()
			if err != nil {
				return cc, err
			}
			ep, err := ParseEndpoint(s)
			if err != nil {
				return cc, err
			}
			eps = append(eps, ep)
		}
		cc.Cloud = append(cc.Cloud, ServerConfig{ServerID: ServerId(id), Endpoints: eps})
	}
	return cc, nil
}

func writeUid(w *Writer, u Uid) { w.buf.Write(u[:]) }

func readUid(r *Reader) (Uid, error) {
	if err := r.need(16); err != nil {
		return Uid{}, err
	}
	var u Uid
	copy(u[:], r.data[r.pos:r.pos+16])
	r.pos += 16
	return u, nil
}
