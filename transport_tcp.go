package aether

import (
	"io"
	"net"
	"sync"
	"time"
)

// streamBase is the shared plumbing every stream-oriented driver (TCP, UDP,
// modem, LoRa) wraps around an io.ReadWriteCloser: one reader goroutine
// blocked in Read, forwarding each non-empty read as one OutData unit and
// redialing on Restream. This is the engine's poller: one reader goroutine
// per socket emitting straight on OutData (there is no separate Poller or
// PollerEvent type), implemented once since every byte-stream-shaped transport needs the
// same "block in Read, forward, repeat" loop. net.Conn satisfies
// io.ReadWriteCloser directly, so TCP/UDP use this unchanged; modem/LoRa
// drivers plug in a serial-port or radio handle instead of a socket.
type streamBase struct {
	baseStream
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	dial    func() (io.ReadWriteCloser, error)
	poll    *AdaptivePoll
	readBuf int
	closed  bool
}

func newStreamBase(conn io.ReadWriteCloser, dial func() (io.ReadWriteCloser, error), maxElem, recElem uint32, readBuf int, cfg *Config) *streamBase {
	s := &streamBase{
		conn:    conn,
		dial:    dial,
		poll:    NewAdaptivePoll(cfg.fastPoll, cfg.dataPoll),
		readBuf: readBuf,
	}
	s.info = StreamInfo{
		RecElementSize: recElem,
		MaxElementSize: maxElem,
		IsReliable:     true,
		LinkState:      LinkLinked,
		IsWritable:     true,
	}
	s.startReader()
	return s
}

func (s *streamBase) startReader() {
	go func() {
		buf := make([]byte, s.readBuf)
		for {
			s.mu.Lock()
			conn := s.conn
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			if conn == nil {
				time.Sleep(s.poll.Cur)
				continue
			}
			n, err := conn.Read(buf)
			if err != nil {
				s.onLinkError()
				return
			}
			if n > 0 {
				out := make([]byte, n)
				copy(out, buf[:n])
				s.poll.Reset()
				s.outEv.Emit(out)
			}
		}
	}()
}

func (s *streamBase) onLinkError() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	next := s.info
	next.LinkState = LinkError
	next.IsWritable = false
	s.setInfo(next)
}

func (s *streamBase) Write(data []byte) *WriteAction {
	action := newWriteAction()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		action.resolve(Errorf(NewError(KindTransportFailure, "stream.write", ErrHandshakeIncomplete)))
		return action
	}
	go func() {
		_, err := conn.Write(data)
		if err != nil {
			s.onLinkError()
			action.resolve(Errorf(NewError(KindTransportFailure, "stream.write", err)))
			return
		}
		action.resolve(Result())
	}()
	return action
}

// Restream closes the current connection and redials, implementing the
// generic reconnect every concrete driver needs.
func (s *streamBase) Restream() error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	next := s.info
	next.LinkState = LinkLinking
	next.IsWritable = false
	s.setInfo(next)

	conn, err := s.dial()
	if err != nil {
		next.LinkState = LinkError
		s.setInfo(next)
		return NewError(KindTransportFailure, "stream.restream", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	next.LinkState = LinkLinked
	next.IsWritable = true
	s.setInfo(next)
	s.startReader()
	return nil
}

func (s *streamBase) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// tcpStream is a ByteStream over a TCP connection.
type tcpStream struct{ *streamBase }

func (tcpStream) Overhead() int { return 0 }

// tcpMaxElementSize is a conservative read-buffer size for a stream socket;
// SizedPacketGate reframes on top, so this only bounds one Read() call.
const tcpMaxElementSize = 64 * 1024

type tcpFactory struct{}

func (tcpFactory) Dial(ep Endpoint, cfg *Config) (ByteStream, error) {
	if !cfg.enableTCP {
		return nil, NewError(KindConfigurationError, "tcp.dial", ErrUnsupportedScheme)
	}
	addr := ep.AddressPort.String()
	dial := func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", addr, cfg.connectTimeout)
	}
	conn, err := dial()
	if err != nil {
		return nil, NewError(KindTransportFailure, "tcp.dial", err)
	}
	base := newStreamBase(conn, dial, tcpMaxElementSize, tcpMaxElementSize, tcpMaxElementSize, cfg)
	return &tcpStream{base}, nil
}

// ListenTCP accepts inbound TCP connections and emits one ByteStream per
// accepted peer via the returned Event, for the server side of a test
// fixture (the engine itself is client-only per spec section 1's scope,
// but tests need a peer to dial).
func ListenTCP(addr string, cfg *Config) (net.Listener, *Event[ByteStream], error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, NewError(KindTransportFailure, "tcp.listen", err)
	}
	ev := &Event[ByteStream]{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			redial := func() (io.ReadWriteCloser, error) { return nil, ErrUnsupportedScheme }
			base := newStreamBase(conn, redial, tcpMaxElementSize, tcpMaxElementSize, tcpMaxElementSize, cfg)
			ev.Emit(&tcpStream{base})
		}
	}()
	return ln, ev, nil
}
