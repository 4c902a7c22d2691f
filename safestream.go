package aether

import (
	"bytes"
	"sync"
	"time"
)

// SafeStreamConfig tunes the reliability layer (spec section 3).
type SafeStreamConfig struct {
	BufferCapacity     int
	MaxRepeatCount     int
	MaxDataSize        int
	WindowSize         int
	WaitConfirmTimeout time.Duration
	SendConfirmTimeout time.Duration
	SendRepeatTimeout  time.Duration // initial RTO
	RTOGrowFactor      float64
}

// DefaultSafeStreamConfig mirrors the compile-time defaults of config.h
// where spec.md gives one (AE_SAFE_STREAM_RTO_GROW_FACTOR=1.5) and picks
// reasonable values elsewhere, since spec.md leaves them as tunables.
func DefaultSafeStreamConfig() SafeStreamConfig {
	return SafeStreamConfig{
		BufferCapacity:     256,
		MaxRepeatCount:     8,
		MaxDataSize:        1024,
		WindowSize:         64,
		WaitConfirmTimeout: 10 * time.Second,
		SendConfirmTimeout: 200 * time.Millisecond,
		SendRepeatTimeout:  300 * time.Millisecond,
		RTOGrowFactor:      1.5,
	}
}

// safeState is the state machine of spec section 4.5.
type safeState int

const (
	stateFresh safeState = iota
	stateRunning
	stateFailed
	stateClosed
)

type unackedChunk struct {
	seq      Seq
	payload  []byte
	deadline time.Time
	rto      time.Duration
	repeats  int
	action   *WriteAction
}

// SafeStream implements the reliability layer of spec section 4.5 over an
// arbitrary lower ByteStream. It is itself an Action: the Scheduler drives
// its retransmit/ack timers instead of a free-running goroutine ticker,
// per spec section 5 ("no OS-level alarms are used").
type SafeStream struct {
	baseStream
	cfg   SafeStreamConfig
	lower ByteStream
	sched *Scheduler

	mu    sync.Mutex
	state safeState

	// sender side
	nextSeq    Seq
	unacked    []*unackedChunk
	sendQueue  []queuedSend
	srtt       time.Duration
	rttvar     time.Duration
	rto        time.Duration
	haveSample bool

	// receiver side
	nextExpected Seq
	reorder      map[Seq][]byte
	ackPending   bool
	ackDeadline  time.Time
	rxBuf        bytes.Buffer

	lowerSub *Subscription
}

type queuedSend struct {
	payload []byte
	action  *WriteAction
}

// NewSafeStream wraps lower with reliability, registers itself with sched,
// and returns the live stream. The caller owns sched's lifetime (Run/Tick).
func NewSafeStream(lower ByteStream, cfg SafeStreamConfig, sched *Scheduler) *SafeStream {
	ss := &SafeStream{
		cfg:     cfg,
		lower:   lower,
		sched:   sched,
		state:   stateFresh,
		rto:     cfg.SendRepeatTimeout,
		reorder: make(map[Seq][]byte),
	}
	ss.info = StreamInfo{
		RecElementSize: uint32(cfg.MaxDataSize),
		MaxElementSize: uint32(cfg.MaxDataSize) * uint32(cfg.WindowSize),
		IsReliable:     true,
		LinkState:      LinkLinking,
		IsWritable:     true,
	}
	ss.lowerSub = lower.OutData().Subscribe(func(b []byte) {
		ss.mu.Lock()
		ss.rxBuf.Write(b)
		ss.mu.Unlock()
		sched.Trigger(ss)
	})
	lower.StreamUpdate().Subscribe(func(si StreamInfo) {
		if si.LinkState == LinkLinked {
			ss.mu.Lock()
			if ss.state == stateFresh {
				ss.state = stateRunning
			}
			ss.mu.Unlock()
		}
		sched.Trigger(ss)
	})
	sched.Spawn(ss)
	return ss
}

func (ss *SafeStream) Overhead() int { return ChunkHeaderSize }

// Write splits data into chunks no larger than MaxDataSize and enqueues
// them. The returned WriteAction resolves Result once every chunk it
// produced has been acknowledged, or Error if the window never drains
// within MaxRepeatCount retries (spec section 4.5 reliability policy).
func (ss *SafeStream) Write(data []byte) *WriteAction {
	action := newWriteAction()
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.state == stateFailed || ss.state == stateClosed {
		action.resolve(Errorf(NewError(KindTransportFailure, "safe_stream.write", ErrMaxRepeatExceeded)))
		return action
	}

	remaining := data
	var parts [][]byte
	for len(remaining) > 0 {
		n := min(len(remaining), ss.cfg.MaxDataSize)
		parts = append(parts, append([]byte(nil), remaining[:n]...))
		remaining = remaining[n:]
	}
	if len(parts) == 0 {
		parts = [][]byte{{}}
	}

	agg := newAggregateWrite(len(parts), action)
	for _, p := range parts {
		ss.sendQueue = append(ss.sendQueue, queuedSend{payload: p, action: agg.slot()})
	}
	ss.sched.Trigger(ss)
	return action
}

// aggregateWrite resolves one outer WriteAction only once every inner
// chunk action has resolved (success) or as soon as any one fails.
type aggregateWrite struct {
	mu       sync.Mutex
	remain   int
	outer    *WriteAction
	resolved bool
}

func newAggregateWrite(n int, outer *WriteAction) *aggregateWrite {
	return &aggregateWrite{remain: n, outer: outer}
}

func (a *aggregateWrite) slot() *WriteAction {
	inner := newWriteAction()
	go func() {
		err := inner.Wait()
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.resolved {
			return
		}
		if err != nil {
			a.resolved = true
			a.outer.resolve(Errorf(err))
			return
		}
		a.remain--
		if a.remain == 0 {
			a.resolved = true
			a.outer.resolve(Result())
		}
	}()
	return inner
}

// Update implements Action. It is the single place window admission,
// retransmission, and ack scheduling happen, all driven off wall-clock
// deadlines instead of OS alarms.
func (ss *SafeStream) Update(now time.Time) UpdateStatus {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.state == stateFailed || ss.state == stateClosed {
		return Stopped()
	}

	ss.processInboundLocked()
	ss.admitSendQueueLocked(now)
	next := ss.checkRetransmitsLocked(now)
	if fatal := ss.state == stateFailed; fatal {
		return Errorf(NewError(KindTimeout, "safe_stream", ErrMaxRepeatExceeded))
	}
	if t := ss.maybeSendAckLocked(now); !t.IsZero() && (next.IsZero() || t.Before(next)) {
		next = t
	}

	if next.IsZero() {
		return Delay(now.Add(ss.cfg.SendConfirmTimeout))
	}
	return Delay(next)
}

func (ss *SafeStream) admitSendQueueLocked(now time.Time) {
	for len(ss.sendQueue) > 0 && len(ss.unacked) < ss.cfg.WindowSize {
		qs := ss.sendQueue[0]
		ss.sendQueue = ss.sendQueue[1:]
		seq := ss.nextSeq
		ss.nextSeq = ss.nextSeq.Add(1)

		uc := &unackedChunk{seq: seq, payload: qs.payload, rto: ss.rto, action: qs.action}
		uc.deadline = now.Add(uc.rto)
		ss.unacked = append(ss.unacked, uc)
		ss.sendChunkLocked(Chunk{Kind: ChunkData, Seq: seq, Payload: qs.payload})
	}
	next := StreamInfo{
		RecElementSize: ss.info.RecElementSize,
		MaxElementSize: ss.info.MaxElementSize,
		IsReliable:     true,
		LinkState:      ss.info.LinkState,
		IsWritable:     len(ss.unacked) < ss.cfg.WindowSize,
	}
	ss.setInfo(next)
}

func (ss *SafeStream) sendChunkLocked(c Chunk) {
	var buf bytes.Buffer
	BuildChunk(&buf, c)
	ss.lower.Write(buf.Bytes())
}

func (ss *SafeStream) checkRetransmitsLocked(now time.Time) time.Time {
	var earliest time.Time
	for _, uc := range ss.unacked {
		if !now.Before(uc.deadline) {
			uc.repeats++
			if uc.repeats > ss.cfg.MaxRepeatCount {
				ss.failAllLocked()
				return time.Time{}
			}
			uc.rto = time.Duration(float64(uc.rto) * ss.cfg.RTOGrowFactor)
			uc.deadline = now.Add(uc.rto)
			ss.sendChunkLocked(Chunk{Kind: ChunkData, Seq: uc.seq, Payload: uc.payload})
		}
		if earliest.IsZero() || uc.deadline.Before(earliest) {
			earliest = uc.deadline
		}
	}
	return earliest
}

func (ss *SafeStream) failAllLocked() {
	ss.state = stateFailed
	for _, uc := range ss.unacked {
		uc.action.resolve(Errorf(NewError(KindTimeout, "safe_stream.retransmit", ErrMaxRepeatExceeded)))
	}
	ss.unacked = nil
	for _, qs := range ss.sendQueue {
		qs.action.resolve(Errorf(NewError(KindTimeout, "safe_stream.retransmit", ErrMaxRepeatExceeded)))
	}
	ss.sendQueue = nil
	next := ss.info
	next.LinkState = LinkError
	next.IsWritable = false
	ss.setInfo(next)
}

func (ss *SafeStream) maybeSendAckLocked(now time.Time) time.Time {
	if !ss.ackPending {
		return time.Time{}
	}
	if now.Before(ss.ackDeadline) {
		return ss.ackDeadline
	}
	ss.sendChunkLocked(Chunk{Kind: ChunkAck, Seq: ss.nextExpected.Add(^uint16(0))})
	ss.ackPending = false
	return time.Time{}
}

func (ss *SafeStream) processInboundLocked() {
	for {
		c, n, ok := ParseChunk(ss.rxBuf.Bytes())
		if !ok {
			return
		}
		ss.rxBuf.Next(n)
		switch c.Kind {
		case ChunkData:
			ss.onDataChunkLocked(c)
		case ChunkAck:
			ss.onAckLocked(c.Seq)
		case ChunkReset:
			ss.state = stateClosed
			next := ss.info
			next.LinkState = LinkError
			ss.setInfo(next)
		}
	}
}

func (ss *SafeStream) onDataChunkLocked(c Chunk) {
	switch {
	case c.Seq == ss.nextExpected:
		ss.outEv.Emit(c.Payload)
		ss.nextExpected = ss.nextExpected.Add(1)
		// drain any now-contiguous buffered chunks
		for {
			next, ok := ss.reorder[ss.nextExpected]
			if !ok {
				break
			}
			delete(ss.reorder, ss.nextExpected)
			ss.outEv.Emit(next)
			ss.nextExpected = ss.nextExpected.Add(1)
		}
		ss.scheduleAckLocked(true)
	case c.Seq.After(ss.nextExpected) && c.Seq.Distance(ss.nextExpected) < uint16(ss.cfg.WindowSize):
		if _, dup := ss.reorder[c.Seq]; !dup {
			ss.reorder[c.Seq] = c.Payload
		}
	case c.Seq.Before(ss.nextExpected):
		// old, already delivered: fast-recover ack (spec section 4.5).
		ss.scheduleAckLocked(true)
	default:
		// beyond window: drop.
	}
}

func (ss *SafeStream) scheduleAckLocked(immediate bool) {
	ss.ackPending = true
	if immediate {
		ss.ackDeadline = time.Time{}
		return
	}
	ss.ackDeadline = time.Now().Add(ss.cfg.SendConfirmTimeout)
}

func (ss *SafeStream) onAckLocked(acked Seq) {
	kept := ss.unacked[:0]
	now := time.Now()
	for _, uc := range ss.unacked {
		if uc.seq.AtOrAfter(acked.Add(1)) {
			kept = append(kept, uc)
			continue
		}
		ss.sampleRTTLocked(now.Sub(uc.deadline.Add(-uc.rto)))
		uc.action.resolve(Result())
	}
	ss.unacked = kept
}

// sampleRTTLocked feeds one round-trip sample into a Jacobson/Karels EWMA
// estimator, the same shape kcp-go's ARQ layer uses (pack other_examples),
// adapted so the computed RTO seeds the next chunk's scheduler deadline
// instead of a free-running ticker.
func (ss *SafeStream) sampleRTTLocked(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !ss.haveSample {
		ss.srtt = sample
		ss.rttvar = sample / 2
		ss.haveSample = true
	} else {
		delta := sample - ss.srtt
		if delta < 0 {
			delta = -delta
		}
		ss.rttvar = ss.rttvar + (delta-ss.rttvar)/4
		ss.srtt = ss.srtt + (sample-ss.srtt)/8
	}
	ss.rto = ss.srtt + 4*ss.rttvar
	if ss.rto < ss.cfg.SendRepeatTimeout {
		ss.rto = ss.cfg.SendRepeatTimeout
	}
}

func (ss *SafeStream) Restream() error { return ss.lower.Restream() }

func (ss *SafeStream) Close() error {
	ss.mu.Lock()
	ss.state = stateClosed
	ss.mu.Unlock()
	ss.lowerSub.Unsubscribe()
	ss.sched.Stop(ss)
	return ss.lower.Close()
}
