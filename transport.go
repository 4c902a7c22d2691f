package aether

import (
	"fmt"
	"sort"
	"sync"
)

// TransportFactory builds a ByteStream driver for one Protocol/scheme,
// selecting a physical transport the way a driver registry selects a
// backend.
type TransportFactory interface {
	// Dial opens a new ByteStream to ep. The returned stream starts in
	// LinkLinking and transitions to LinkLinked once the underlying medium
	// is usable (immediately, for drivers with no handshake of their own).
	Dial(ep Endpoint, cfg *Config) (ByteStream, error)
}

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]TransportFactory)
)

// RegisterTransportFactory registers factory under scheme (e.g. "tcp").
// Panics on duplicate registration: a double-registered scheme is a
// programming error, not a runtime one.
func RegisterTransportFactory(scheme string, factory TransportFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[scheme]; dup {
		panic("aether: transport factory already registered for scheme " + scheme)
	}
	factories[scheme] = factory
}

// UnregisterTransportFactory removes a scheme's registration, used by tests
// that install a fake factory for the duration of one case.
func UnregisterTransportFactory(scheme string) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	delete(factories, scheme)
}

// ListTransportFactories returns the currently registered scheme names,
// sorted.
func ListTransportFactories() []string {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	schemes := make([]string, 0, len(factories))
	for scheme := range factories {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

func lookupTransportFactory(scheme string) (TransportFactory, bool) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	f, ok := factories[scheme]
	return f, ok
}

// DialEndpoint resolves ep's protocol to a registered TransportFactory and
// dials it.
func DialEndpoint(ep Endpoint, cfg *Config) (ByteStream, error) {
	factory, ok := lookupTransportFactory(ep.Protocol.String())
	if !ok {
		return nil, NewError(KindConfigurationError, "dial_endpoint", fmt.Errorf("%w: %s", ErrUnsupportedScheme, ep.Protocol))
	}
	return factory.Dial(ep, cfg)
}

func init() {
	RegisterTransportFactory("tcp", tcpFactory{})
	RegisterTransportFactory("udp", udpFactory{})
}
