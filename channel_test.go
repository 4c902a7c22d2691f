package aether

import (
	"net"
	"testing"
	"time"
)

func plainBuilder(raw ByteStream) (ByteStream, error) { return raw, nil }

func mustListen(t *testing.T, cfg *Config) (Endpoint, *Event[ByteStream]) {
	t.Helper()
	ln, accepted, err := ListenTCP("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	var ip [4]byte
	copy(ip[:], addr.IP.To4())
	ep := Endpoint{
		AddressPort: AddressPort{Address: NewIPv4Address(ip), Port: uint16(addr.Port)},
		Protocol:    ProtocolTCP,
	}
	return ep, accepted
}

func TestConnectInPriorityOrderFallsThroughToSecondEndpoint(t *testing.T) {
	cfg := defaultConfig()
	cfg.connectTimeout = 200 * time.Millisecond
	sched := NewScheduler()

	goodEp, _ := mustListen(t, cfg)
	// Port 1 on loopback refuses connections immediately: a realistic
	// "first candidate is unreachable" case without relying on a timeout.
	badEp := Endpoint{
		AddressPort: AddressPort{Address: NewIPv4Address([4]byte{127, 0, 0, 1}), Port: 1},
		Protocol:    ProtocolTCP,
	}

	ch, ap, err := ConnectInPriorityOrder([]Endpoint{badEp, goodEp}, cfg, sched, plainBuilder, DefaultResolver)
	if err != nil {
		t.Fatalf("ConnectInPriorityOrder: %v", err)
	}
	if ch == nil || ap == nil {
		t.Fatal("expected a non-nil Channel/AccessPoint on success")
	}
	if ch.Endpoint != goodEp {
		t.Fatalf("expected the fallthrough to land on the good endpoint, got %+v", ch.Endpoint)
	}
}

func TestConnectInPriorityOrderFailsWhenEveryEndpointFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.connectTimeout = 50 * time.Millisecond
	sched := NewScheduler()

	badEp := Endpoint{
		AddressPort: AddressPort{Address: NewIPv4Address([4]byte{127, 0, 0, 1}), Port: 1},
		Protocol:    ProtocolTCP,
	}

	_, _, err := ConnectInPriorityOrder([]Endpoint{badEp, badEp}, cfg, sched, plainBuilder, DefaultResolver)
	if err == nil {
		t.Fatal("expected an error when every candidate endpoint fails")
	}
}

func TestConnectInPriorityOrderNoEndpoints(t *testing.T) {
	cfg := defaultConfig()
	sched := NewScheduler()
	_, _, err := ConnectInPriorityOrder(nil, cfg, sched, plainBuilder, DefaultResolver)
	if err == nil {
		t.Fatal("expected an error for an empty endpoint list")
	}
}
