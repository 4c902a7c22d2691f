package aether

import "sync"

// fakeStream is a minimal in-memory ByteStream used across tests. Two
// fakeStreams can be paired so writes on one side surface as OutData on the
// other, standing in for a real socket without a network dependency.
type fakeStream struct {
	baseStream
	mu         sync.Mutex
	sent       [][]byte
	peer       *fakeStream
	dropNext   int
	closed     bool
	restreamed int
}

func newFakeStream() *fakeStream {
	fs := &fakeStream{}
	fs.info = StreamInfo{
		MaxElementSize: 65535,
		RecElementSize: 65535,
		IsReliable:     true,
		LinkState:      LinkLinked,
		IsWritable:     true,
	}
	return fs
}

// pairFakeStreams returns two fakeStreams wired to each other.
func pairFakeStreams() (*fakeStream, *fakeStream) {
	a, b := newFakeStream(), newFakeStream()
	a.peer, b.peer = b, a
	return a, b
}

func (f *fakeStream) Write(data []byte) *WriteAction {
	action := newWriteAction()
	f.mu.Lock()
	if f.dropNext > 0 {
		f.dropNext--
		f.mu.Unlock()
		action.resolve(Result())
		return action
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	peer := f.peer
	f.mu.Unlock()
	if peer != nil {
		peer.outEv.Emit(append([]byte(nil), data...))
	}
	action.resolve(Result())
	return action
}

func (f *fakeStream) Restream() error {
	f.mu.Lock()
	f.restreamed++
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
