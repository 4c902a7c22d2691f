package aether

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// NoiseOverhead is the per-message encryption overhead: 4-byte length
// prefix plus a 16-byte AEAD tag.
const NoiseOverhead = 4 + 16

// defaultCipherSuite is the Noise cipher suite used when no CipherSuite is
// supplied; cached at package level since it's immutable and reusable.
var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var (
	ErrHandshakeFailed  = fmt.Errorf("aether: handshake failed")
	ErrDecryptionFailed = fmt.Errorf("aether: decryption failed")
	ErrEncryptionFailed = fmt.Errorf("aether: encryption failed")
	ErrNoiseInitFailed  = fmt.Errorf("aether: noise handshake initialization failed")
	ErrNoiseMsgFailed   = fmt.Errorf("aether: handshake message creation failed")
)

// Noise encapsulates one Noise Protocol handshake/session.
type Noise struct {
	suite       noise.CipherSuite
	hs          *noise.HandshakeState
	cs1         *noise.CipherState
	cs2         *noise.CipherState
	isComplete  bool
	isInitiator bool
}

func newNoise(suite noise.CipherSuite, initiator bool) (*Noise, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: suite,
		Pattern:     noise.HandshakeNN,
		Initiator:   initiator,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	return &Noise{suite: suite, hs: hs, isInitiator: initiator}, nil
}

// NewNoiseClient starts a handshake as the initiator, using the default
// cipher suite.
func NewNoiseClient() (*Noise, error) { return newNoise(defaultCipherSuite, true) }

// NewNoiseServer starts a handshake as the responder, using the default
// cipher suite.
func NewNoiseServer() (*Noise, error) { return newNoise(defaultCipherSuite, false) }

func (nh *Noise) WriteMessage(payload []byte) ([]byte, error) {
	msg, cs1, cs2, err := nh.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		nh.cs1, nh.cs2 = cs1, cs2
		nh.isComplete = true
	}
	return msg, nil
}

func (nh *Noise) ReadMessage(msg []byte) ([]byte, error) {
	payload, cs1, cs2, err := nh.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		nh.cs1, nh.cs2 = cs1, cs2
		nh.isComplete = true
	}
	return payload, nil
}

func (nh *Noise) IsComplete() bool  { return nh.isComplete }
func (nh *Noise) IsInitiator() bool { return nh.isInitiator }

func (nh *Noise) EncryptData(dst, plaintext []byte) ([]byte, error) {
	if nh.isInitiator {
		return nh.cs1.Encrypt(dst, nil, plaintext)
	}
	return nh.cs2.Encrypt(dst, nil, plaintext)
}

func (nh *Noise) DecryptData(dst, ciphertext []byte) ([]byte, error) {
	if nh.isInitiator {
		return nh.cs2.Decrypt(dst, nil, ciphertext)
	}
	return nh.cs1.Decrypt(dst, nil, ciphertext)
}

// SealData encrypts plaintext and prepends a 4-byte big-endian length.
func (nh *Noise) SealData(dst, plaintext []byte) ([]byte, error) {
	needed := 4 + len(plaintext) + 16
	if cap(dst) < needed {
		dst = make([]byte, 4, needed)
	} else {
		dst = dst[:4]
	}

	ciphertext, err := nh.EncryptData(dst[4:4], plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	binary.BigEndian.PutUint32(dst[:4], uint32(len(ciphertext)))
	return dst[:4+len(ciphertext)], nil
}

// UnsealData extracts and decrypts one Noise chunk from data.
func (nh *Noise) UnsealData(dst, data []byte) (plaintext, remaining []byte, err error) {
	if len(data) < 4 {
		return nil, data, io.ErrShortBuffer
	}
	length := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+length {
		return nil, data, io.ErrShortBuffer
	}
	decrypted, err := nh.DecryptData(dst[:0], data[4:4+length])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return decrypted, data[4+length:], nil
}

// Handshaker drives a Noise handshake to completion over a ByteStream. It's
// the one piece of this layer that has to talk to the wire directly
// (handshake messages aren't yet encrypted data).
type Handshaker interface {
	// Handshake performs (or re-performs, on restream) the Noise exchange
	// and returns a fresh, complete *Noise.
	Handshake(lower ByteStream) (*Noise, error)
}

// CryptoGate wraps a ByteStream with AEAD encrypt/decrypt, layering the
// Noise.SealData/UnsealData pair into a Gate. Per spec section 9's
// design note, Restream() always re-runs the handshake before accepting
// further writes or emitting further OutData: reusing the old cipher
// states across a reconnect would risk nonce reuse, since the nonce is a
// monotonic counter seeded at handshake time.
type CryptoGate struct {
	baseStream
	lower      ByteStream
	handshaker Handshaker
	noise      *Noise
	encBuf     []byte
	decBuf     []byte
	pending    []byte // undecrypted bytes buffered across OutData calls
	sub        *Subscription
}

// NewCryptoGate wraps lower, performing an initial handshake via hs before
// returning.
func NewCryptoGate(lower ByteStream, hs Handshaker) (*CryptoGate, error) {
	g := &CryptoGate{lower: lower, handshaker: hs}
	if err := g.rekey(); err != nil {
		return nil, err
	}
	g.info = lower.Info()
	g.info.MaxElementSize = subtractOverhead(lower.Info().MaxElementSize, NoiseOverhead)
	g.sub = lower.OutData().Subscribe(g.onData)
	lower.StreamUpdate().Subscribe(func(si StreamInfo) {
		next := si
		next.MaxElementSize = subtractOverhead(si.MaxElementSize, NoiseOverhead)
		g.setInfo(next)
	})
	return g, nil
}

func subtractOverhead(max uint32, overhead uint32) uint32 {
	if max <= overhead {
		return 0
	}
	return max - overhead
}

func (g *CryptoGate) rekey() error {
	n, err := g.handshaker.Handshake(g.lower)
	if err != nil {
		return NewError(KindCryptoFailure, "crypto_gate.handshake", err)
	}
	if !n.IsComplete() {
		return NewError(KindCryptoFailure, "crypto_gate.handshake", ErrHandshakeIncomplete)
	}
	g.noise = n
	g.pending = nil
	return nil
}

func (g *CryptoGate) onData(b []byte) {
	g.pending = append(g.pending, b...)
	for {
		plaintext, rest, err := g.noise.UnsealData(g.decBuf, g.pending)
		if err != nil {
			if err == io.ErrShortBuffer {
				return
			}
			// A failed AEAD verification is a protocol/crypto failure, not
			// silently dropped: flip link-error so the caller can restream.
			next := g.info
			next.LinkState = LinkError
			g.setInfo(next)
			return
		}
		out := append([]byte(nil), plaintext...)
		g.decBuf = plaintext[:0]
		used := len(g.pending) - len(rest)
		g.pending = g.pending[used:]
		g.outEv.Emit(out)
	}
}

func (g *CryptoGate) Overhead() int { return NoiseOverhead }

func (g *CryptoGate) Write(data []byte) *WriteAction {
	sealed, err := g.noise.SealData(g.encBuf, data)
	if err != nil {
		action := newWriteAction()
		action.resolve(Errorf(NewError(KindCryptoFailure, "crypto_gate.write", err)))
		return action
	}
	g.encBuf = sealed[:0]
	return g.lower.Write(sealed)
}

// Restream forces the lower stream to reconnect and then re-keys before
// returning, so no write issued after Restream returns can ever reuse a
// previous session's nonce sequence.
func (g *CryptoGate) Restream() error {
	if err := g.lower.Restream(); err != nil {
		return err
	}
	return g.rekey()
}

func (g *CryptoGate) Close() error {
	g.sub.Unsubscribe()
	return g.lower.Close()
}
