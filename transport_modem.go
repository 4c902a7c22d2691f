package aether

import "io"

// modemMaxElementSize is conservative for an AT-command serial modem link
// (GPRS/NB-IoT class device), well under typical UART driver buffer sizes.
const modemMaxElementSize = 1400

// ModemOpener opens the serial/AT-command handle a ModemFactory dials,
// supplied by the embedder since this engine has no device driver of its
// own; it only needs an io.ReadWriteCloser, exactly like AT-command
// libraries expose.
type ModemOpener func() (io.ReadWriteCloser, error)

// ModemFactory adapts an embedder-supplied ModemOpener into a
// TransportFactory, so a modem link is dialed and restreamed through the
// same streamBase plumbing as TCP, instead of a bespoke AT-command loop.
type ModemFactory struct {
	Open ModemOpener
}

// NewModemFactory builds a TransportFactory for scheme "modem" backed by
// open. Register it with RegisterTransportFactory to enable modem dialing
// (gated by Config.enableModem / WithTransports).
func NewModemFactory(open ModemOpener) *ModemFactory { return &ModemFactory{Open: open} }

func (f *ModemFactory) Dial(ep Endpoint, cfg *Config) (ByteStream, error) {
	if !cfg.enableModem {
		return nil, NewError(KindConfigurationError, "modem.dial", ErrUnsupportedScheme)
	}
	dial := func() (io.ReadWriteCloser, error) { return f.Open() }
	conn, err := dial()
	if err != nil {
		return nil, NewError(KindTransportFailure, "modem.dial", err)
	}
	base := newStreamBase(conn, dial, modemMaxElementSize, modemMaxElementSize, modemMaxElementSize, cfg)
	base.info.IsReliable = false // AT-command serial links drop/corrupt bytes under noise
	return modemStream{base}, nil
}

type modemStream struct{ *streamBase }

func (modemStream) Overhead() int { return 0 }
