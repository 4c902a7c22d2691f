package aether

import (
	"bytes"
	"sync"
	"testing"
)

// handshakeSync rendezvouses the initiator and responder sides of an NN
// handshake so the two goroutines driving each CryptoGate agree on when a
// message has actually reached its peer, instead of racing on fakeStream's
// synchronous delivery.
type handshakeSync struct {
	ch chan struct{}
}

func newHandshakeSync() *handshakeSync { return &handshakeSync{ch: make(chan struct{}, 1)} }

func (h *handshakeSync) signal() { h.ch <- struct{}{} }
func (h *handshakeSync) wait()   { <-h.ch }

// syncHandshaker drives one side of a Noise NN exchange over a fakeStream
// pair, one round per call, reusable across restreams.
type syncHandshaker struct {
	initiator bool
	coord     *handshakeSync
}

func (h *syncHandshaker) Handshake(lower ByteStream) (*Noise, error) {
	recv := make(chan []byte, 1)
	sub := lower.OutData().Subscribe(func(b []byte) { recv <- append([]byte(nil), b...) })
	defer sub.Unsubscribe()

	if h.initiator {
		h.coord.wait()
	} else {
		h.coord.signal()
	}

	n, err := newNoise(defaultCipherSuite, h.initiator)
	if err != nil {
		return nil, err
	}
	if h.initiator {
		msg1, err := n.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := lower.Write(msg1).Wait(); err != nil {
			return nil, err
		}
		msg2 := <-recv
		if _, err := n.ReadMessage(msg2); err != nil {
			return nil, err
		}
	} else {
		msg1 := <-recv
		if _, err := n.ReadMessage(msg1); err != nil {
			return nil, err
		}
		msg2, err := n.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := lower.Write(msg2).Wait(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func TestCryptoGateHandshakeAndRoundTrip(t *testing.T) {
	loA, loB := pairFakeStreams()
	coord := newHandshakeSync()
	hsA := &syncHandshaker{initiator: true, coord: coord}
	hsB := &syncHandshaker{initiator: false, coord: coord}

	var gA, gB *CryptoGate
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); gA, errA = NewCryptoGate(loA, hsA) }()
	go func() { defer wg.Done(); gB, errB = NewCryptoGate(loB, hsB) }()
	wg.Wait()
	if errA != nil || errB != nil {
		t.Fatalf("handshake failed: %v / %v", errA, errB)
	}

	var got []byte
	gB.OutData().Subscribe(func(b []byte) { got = append([]byte(nil), b...) })

	if err := gA.Write([]byte("ping")).Wait(); err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("got %q, want %q", got, "ping")
	}
}

func TestCryptoGateRestreamNeverReusesNonce(t *testing.T) {
	loA, loB := pairFakeStreams()
	coord := newHandshakeSync()
	hsA := &syncHandshaker{initiator: true, coord: coord}
	hsB := &syncHandshaker{initiator: false, coord: coord}

	var gA, gB *CryptoGate
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); gA, errA = NewCryptoGate(loA, hsA) }()
	go func() { defer wg.Done(); gB, errB = NewCryptoGate(loB, hsB) }()
	wg.Wait()
	if errA != nil || errB != nil {
		t.Fatalf("initial handshake failed: %v / %v", errA, errB)
	}

	plaintext := []byte("same-plaintext-both-times")
	if err := gA.Write(plaintext).Wait(); err != nil {
		t.Fatalf("write before restream: %v", err)
	}
	before := append([]byte(nil), loA.sent[len(loA.sent)-1]...)

	wg.Add(2)
	go func() { defer wg.Done(); errA = gA.Restream() }()
	go func() { defer wg.Done(); errB = gB.Restream() }()
	wg.Wait()
	if errA != nil || errB != nil {
		t.Fatalf("restream handshake failed: %v / %v", errA, errB)
	}

	if err := gA.Write(plaintext).Wait(); err != nil {
		t.Fatalf("write after restream: %v", err)
	}
	after := loA.sent[len(loA.sent)-1]

	if bytes.Equal(before, after) {
		t.Fatal("identical plaintext produced identical ciphertext across a restream: the nonce counter was reused")
	}
	if loA.restreamed != 1 {
		t.Fatalf("loA.restreamed = %d, want 1", loA.restreamed)
	}
}
