package aether

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Uid is a 16-byte opaque client identifier, formattable as standard
// 8-4-4-4-12 hex (spec section 3). It wraps google/uuid's byte array
// rather than reimplementing it, minting client identities with
// uuid.New() directly as the 16-byte array.
type Uid [16]byte

// NewUid mints a random Uid.
func NewUid() Uid {
	return Uid(uuid.New())
}

func (u Uid) String() string {
	return uuid.UUID(u).String()
}

// ParseUid parses the standard 8-4-4-4-12 hex form.
func ParseUid(s string) (Uid, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Uid{}, fmt.Errorf("aether: parse uid: %w", err)
	}
	return Uid(id), nil
}

// Compare gives Uid a total order: bytewise, first differing byte decides.
func (u Uid) Compare(other Uid) int {
	for i := range u {
		if u[i] != other[i] {
			if u[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// IsZero reports whether u is the zero Uid (used to detect "unset" fields
// in ClientConfig before registration completes).
func (u Uid) IsZero() bool { return u == Uid{} }

func (u Uid) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *Uid) UnmarshalText(text []byte) error {
	parsed, err := ParseUid(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// ServerId identifies a working server within a client's cloud. Lower ids
// sort first per spec section 8 scenario S6 ("the one with lower server_id
// first").
type ServerId uint32

// Protocol is the transport-level wire protocol of an Endpoint.
type Protocol uint8

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
	ProtocolWebSocket
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolWebSocket:
		return "ws"
	default:
		return "unknown"
	}
}

// AddressKind tags which branch of the Address union is populated.
type AddressKind uint8

const (
	AddressIPv4 AddressKind = iota
	AddressIPv6
	AddressNamed
)

// Address is the tagged union {IPv4, IPv6, Named} from spec section 3.
type Address struct {
	Kind  AddressKind
	IPv4  [4]byte
	IPv6  [16]byte
	Named string
}

// NewIPv4Address builds an Address from a 4-byte IPv4 value.
func NewIPv4Address(b [4]byte) Address { return Address{Kind: AddressIPv4, IPv4: b} }

// NewIPv6Address builds an Address from a 16-byte IPv6 value.
func NewIPv6Address(b [16]byte) Address { return Address{Kind: AddressIPv6, IPv6: b} }

// NewNamedAddress builds an unresolved DNS-name Address.
func NewNamedAddress(name string) Address { return Address{Kind: AddressNamed, Named: name} }

// ParseAddress round-trips whatever String produces, plus raw IP
// literals and bare DNS names, per spec section 8 invariant 6.
func ParseAddress(s string) (Address, error) {
	if ip := net.ParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			var b [4]byte
			copy(b[:], v4)
			return NewIPv4Address(b), nil
		}
		var b [16]byte
		copy(b[:], ip.To16())
		return NewIPv6Address(b), nil
	}
	if s == "" {
		return Address{}, fmt.Errorf("aether: empty address")
	}
	return NewNamedAddress(s), nil
}

func (a Address) String() string {
	switch a.Kind {
	case AddressIPv4:
		return net.IP(a.IPv4[:]).String()
	case AddressIPv6:
		return net.IP(a.IPv6[:]).String()
	case AddressNamed:
		return a.Named
	default:
		return ""
	}
}

// IsResolved reports whether the address already names a concrete IP,
// i.e. doesn't need the lazy DNS resolution spec section 3 describes for
// UnifiedAddress.
func (a Address) IsResolved() bool {
	return a.Kind == AddressIPv4 || a.Kind == AddressIPv6
}

// AddressPort pairs an Address with a port number.
type AddressPort struct {
	Address Address
	Port    uint16
}

func (ap AddressPort) String() string {
	return net.JoinHostPort(ap.Address.String(), strconv.Itoa(int(ap.Port)))
}

// Endpoint is an AddressPort plus the wire Protocol to reach it with.
type Endpoint struct {
	AddressPort AddressPort
	Protocol    Protocol
}

func (e Endpoint) String() string {
	return e.Protocol.String() + "://" + e.AddressPort.String()
}

// UnifiedAddress distinguishes a resolved Endpoint from one still requiring
// lazy DNS resolution; ResolveUnifiedAddress (called by AccessPoint.Resolve)
// consults it before deciding whether to invoke the injected resolver
// (spec section 4.4).
type UnifiedAddress struct {
	Endpoint Endpoint
	resolved bool
}

// NewUnifiedAddress marks ep resolved if its Address is already a literal
// IP, unresolved otherwise.
func NewUnifiedAddress(ep Endpoint) UnifiedAddress {
	return UnifiedAddress{Endpoint: ep, resolved: ep.AddressPort.Address.IsResolved()}
}

func (u UnifiedAddress) IsResolved() bool { return u.resolved }

// Resolver resolves a Named Address to one or more literal IPs.
// AccessPoint.Resolve (spec section 4.4's resolve phase) calls it
// synchronously, through ResolveUnifiedAddress.
type Resolver interface {
	Resolve(host string) ([]net.IP, error)
}

// netResolver is the default Resolver, backed by net.LookupIP.
type netResolver struct{}

func (netResolver) Resolve(host string) ([]net.IP, error) { return net.LookupIP(host) }

// DefaultResolver is the stdlib-backed Resolver used when none is injected.
var DefaultResolver Resolver = netResolver{}

// ResolveUnifiedAddress resolves u.Endpoint's Named address (if any) against
// r, returning one UnifiedAddress per returned IP, all otherwise identical
// to u. An already-resolved u is returned unchanged.
func ResolveUnifiedAddress(u UnifiedAddress, r Resolver) ([]UnifiedAddress, error) {
	if u.resolved {
		return []UnifiedAddress{u}, nil
	}
	ips, err := r.Resolve(u.Endpoint.AddressPort.Address.Named)
	if err != nil {
		return nil, NewError(KindConfigurationError, "resolve", err)
	}
	out := make([]UnifiedAddress, 0, len(ips))
	for _, ip := range ips {
		ep := u.Endpoint
		if v4 := ip.To4(); v4 != nil {
			var b [4]byte
			copy(b[:], v4)
			ep.AddressPort.Address = NewIPv4Address(b)
		} else {
			var b [16]byte
			copy(b[:], ip.To16())
			ep.AddressPort.Address = NewIPv6Address(b)
		}
		out = append(out, NewUnifiedAddress(ep))
	}
	return out, nil
}

// ServerConfig is the per-server membership record produced by
// registration, immutable post-registration except for cloud updates
// pushed by the server (spec section 3).
type ServerConfig struct {
	ServerID  ServerId
	Endpoints []Endpoint
}

// ClientConfig is produced once by registration and consumed by the
// server-connection manager (spec section 3). Owned by the application
// root; Aether never mutates ParentUID/UID/EphemeralUID/MasterKey after
// construction.
type ClientConfig struct {
	ParentUID    Uid
	UID          Uid
	EphemeralUID Uid
	MasterKey    []byte
	Cloud        []ServerConfig
}

// SortedCloud returns a copy of cc.Cloud ordered by ascending ServerID,
// matching the connection order spec section 8 scenario S6 requires.
func (cc ClientConfig) SortedCloud() []ServerConfig {
	out := make([]ServerConfig, len(cc.Cloud))
	copy(out, cc.Cloud)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ServerID > out[j].ServerID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func splitHostPort(hostport string) (host string, port uint16, err error) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return h, uint16(n), nil
}

// ParseEndpoint parses strings shaped like "tcp://host:port" into an
// Endpoint, the form used by cmd/aetherctl and the registration client.
func ParseEndpoint(s string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("aether: malformed endpoint %q", s)
	}
	var proto Protocol
	switch strings.ToLower(scheme) {
	case "tcp":
		proto = ProtocolTCP
	case "udp":
		proto = ProtocolUDP
	case "ws", "websocket":
		proto = ProtocolWebSocket
	default:
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	host, port, err := splitHostPort(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("aether: malformed endpoint %q: %w", s, err)
	}
	addr, err := ParseAddress(host)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{AddressPort: AddressPort{Address: addr, Port: port}, Protocol: proto}, nil
}
