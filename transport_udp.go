package aether

import (
	"io"
	"net"
)

// udpMaxDatagramSize is the conservative maximum payload Aether will put in
// one UDP datagram, chosen to stay under the common 1500-byte Ethernet MTU
// after IP/UDP headers (spec section 8 boundary behavior: an oversize write
// must fail synchronously rather than silently fragmenting).
const udpMaxDatagramSize = 1452

// udpStream is a ByteStream over a UDP "connection" (a connected
// net.PacketConn via net.Dial("udp", ...)): each inbound Read already
// returns exactly one datagram, so no SizedPacketGate is needed above it;
// the datagram boundary IS the logical unit.
type udpStream struct{ *streamBase }

func (udpStream) Overhead() int { return 0 }

// Write rejects any payload larger than udpMaxDatagramSize synchronously,
// instead of attempting a write that the kernel/peer would fragment or
// drop, the boundary behavior spec section 8 names explicitly as a
// TransportFailure (the datagram never leaves the host, not a peer
// protocol complaint).
func (u udpStream) Write(data []byte) *WriteAction {
	if len(data) > udpMaxDatagramSize {
		action := newWriteAction()
		action.resolve(Errorf(NewError(KindTransportFailure, "udp.write", ErrDatagramTooLarge)))
		return action
	}
	return u.streamBase.Write(data)
}

type udpFactory struct{}

func (udpFactory) Dial(ep Endpoint, cfg *Config) (ByteStream, error) {
	if !cfg.enableUDP {
		return nil, NewError(KindConfigurationError, "udp.dial", ErrUnsupportedScheme)
	}
	addr := ep.AddressPort.String()
	dial := func() (io.ReadWriteCloser, error) { return net.Dial("udp", addr) }
	conn, err := dial()
	if err != nil {
		return nil, NewError(KindTransportFailure, "udp.dial", err)
	}
	base := newStreamBase(conn, dial, udpMaxDatagramSize, udpMaxDatagramSize, udpMaxDatagramSize, cfg)
	base.info.IsReliable = false
	return udpStream{base}, nil
}
