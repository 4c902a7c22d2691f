package aether

import "io"

// loraMaxElementSize respects the LoRaWAN Class A maximum application
// payload at the most robust (longest-range, lowest-rate) data rate, so a
// LoRa driver built on this factory never silently truncates.
const loraMaxElementSize = 51

// LoRaOpener opens the radio handle a LoRaFactory dials: an
// io.ReadWriteCloser over whatever SPI/UART driver talks to the LoRa
// modem/transceiver, supplied by the embedder.
type LoRaOpener func() (io.ReadWriteCloser, error)

// LoRaFactory adapts an embedder-supplied LoRaOpener into a
// TransportFactory, reusing streamBase the same way ModemFactory does.
type LoRaFactory struct {
	Open LoRaOpener
}

// NewLoRaFactory builds a TransportFactory for scheme "lora" backed by
// open. Register it with RegisterTransportFactory to enable LoRa dialing
// (gated by Config.enableLoRa / WithTransports).
func NewLoRaFactory(open LoRaOpener) *LoRaFactory { return &LoRaFactory{Open: open} }

func (f *LoRaFactory) Dial(ep Endpoint, cfg *Config) (ByteStream, error) {
	if !cfg.enableLoRa {
		return nil, NewError(KindConfigurationError, "lora.dial", ErrUnsupportedScheme)
	}
	dial := func() (io.ReadWriteCloser, error) { return f.Open() }
	conn, err := dial()
	if err != nil {
		return nil, NewError(KindTransportFailure, "lora.dial", err)
	}
	base := newStreamBase(conn, dial, loraMaxElementSize, loraMaxElementSize, loraMaxElementSize, cfg)
	base.info.IsReliable = false
	return loraStream{base}, nil
}

type loraStream struct{ *streamBase }

func (loraStream) Overhead() int { return 0 }

// Write enforces the LoRaWAN payload ceiling synchronously, the same
// TransportFailure boundary behavior udpStream.Write enforces for
// datagram size.
func (l loraStream) Write(data []byte) *WriteAction {
	if len(data) > loraMaxElementSize {
		action := newWriteAction()
		action.resolve(Errorf(NewError(KindTransportFailure, "lora.write", ErrDatagramTooLarge)))
		return action
	}
	return l.streamBase.Write(data)
}
