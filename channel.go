package aether

import (
	"sync"
	"time"
)

// TransportBuilder assembles the gate stack a Channel wraps around a raw
// driver stream: framing, then encryption, matching spec section 4.4's
// "transport_builder" step. Callers compose whatever stack their transport
// needs; Channel uses the builder it was constructed with, and
// DefaultTransportBuilder supplies sized framing plus a CryptoGate.
type TransportBuilder func(raw ByteStream) (ByteStream, error)

// DefaultTransportBuilder wraps raw with tiered-int framing and a
// Noise-backed CryptoGate, the stack every C9/C10 caller uses unless it
// supplies its own.
func DefaultTransportBuilder(hs Handshaker) TransportBuilder {
	return func(raw ByteStream) (ByteStream, error) {
		framed := NewSizedPacketGate(raw)
		return NewCryptoGate(framed, hs)
	}
}

// ConnectAction dials ep, assembles the gate stack via build, and resolves
// Result with the finished ByteStream, or Error on any failure. It is a
// single Action so it can be shared by concurrent callers (single-flight on
// top of the scheduler, spec section 4.4 dedup) instead of separate Go
// goroutines racing to dial the same endpoint.
type ConnectAction struct {
	ep      Endpoint
	cfg     *Config
	build   TransportBuilder
	started time.Time

	mu     sync.Mutex
	fired  bool
	result ByteStream
	err    error
}

// NewConnectAction builds a (not yet started) connect attempt.
func NewConnectAction(ep Endpoint, cfg *Config, build TransportBuilder) *ConnectAction {
	return &ConnectAction{ep: ep, cfg: cfg, build: build}
}

// Update implements Action. The dial and the gate-stack build run
// synchronously on the first call rather than through another sub-action;
// a TCP dial can block this Update for up to the configured connect
// timeout, and the handshake inside build() blocks while it runs.
func (c *ConnectAction) Update(now time.Time) UpdateStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired {
		if c.err != nil {
			return Errorf(c.err)
		}
		return Result()
	}
	c.fired = true
	c.started = now

	raw, err := DialEndpoint(c.ep, c.cfg)
	if err != nil {
		c.err = err
		return Errorf(err)
	}
	stream, err := c.build(raw)
	if err != nil {
		raw.Close()
		c.err = err
		return Errorf(err)
	}
	c.result = stream
	return Result()
}

// Stream returns the assembled ByteStream once Update has returned Result.
func (c *ConnectAction) Stream() ByteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Channel represents one reachable endpoint (spec section 4.4): a single
// logical connection attempt target, with its own connect-time statistics
// and a deduplicated in-flight connect.
type Channel struct {
	Endpoint Endpoint
	cfg      *Config
	sched    *Scheduler
	build    TransportBuilder

	connStats *StatisticsCounter[float64]

	mu      sync.Mutex
	inFlight *ConnectAction
	stream   ByteStream
}

// NewChannel builds a Channel for ep.
func NewChannel(ep Endpoint, cfg *Config, sched *Scheduler, build TransportBuilder) *Channel {
	return &Channel{
		Endpoint:  ep,
		cfg:       cfg,
		sched:     sched,
		build:     build,
		connStats: NewStatisticsCounter[float64](cfg.stats.ConnectWindowSize),
	}
}

// Connect dials the channel if not already connected or connecting,
// returning the shared in-flight *StatusEvent so concurrent callers all
// observe the same attempt (spec section 4.4's connect dedup), and, when
// the attempt succeeds, records the elapsed wall-clock time into
// connStats (a failed attempt records nothing).
func (ch *Channel) Connect() *StatusEvent {
	ch.mu.Lock()
	if ch.stream != nil {
		stream := ch.stream
		ch.mu.Unlock()
		// Already connected: spawn an already-finished ConnectAction so the
		// success is reported on the next Tick, like a fresh attempt's, to
		// every caller that subscribes before then.
		return ch.sched.Spawn(&ConnectAction{fired: true, result: stream})
	}
	if ch.inFlight != nil {
		ch.mu.Unlock()
		return ch.sched.byActionEvents(ch.inFlight)
	}
	action := NewConnectAction(ch.Endpoint, ch.cfg, ch.build)
	ch.inFlight = action
	ch.mu.Unlock()

	start := time.Now()
	events := ch.sched.Spawn(action)
	events.OnResult.Subscribe(func(Action) {
		ch.connStats.Record(time.Since(start).Seconds() * 1000)
		ch.mu.Lock()
		ch.stream = action.Stream()
		ch.inFlight = nil
		ch.mu.Unlock()
	})
	events.OnError.Subscribe(func(error) {
		ch.mu.Lock()
		ch.inFlight = nil
		ch.mu.Unlock()
	})
	return events
}

// Stream returns the live ByteStream, or nil if not yet connected.
func (ch *Channel) Stream() ByteStream {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stream
}

// ConnectTimeP99 reports the 99th-percentile connect latency in
// milliseconds over the rolling window (spec section 4.4's
// connect_time_p99).
func (ch *Channel) ConnectTimeP99() float64 { return ch.connStats.P99() }

// byActionEvents returns the *StatusEvent the Scheduler holds for a
// still-registered action (an empty one if it is gone), so Channel.Connect
// can share one in-flight attempt's events with callers that joined after
// Spawn. It is unexported since callers are expected to keep the
// *StatusEvent Spawn returned.
func (s *Scheduler) byActionEvents(action Action) *StatusEvent {
	s.mu.Lock()
	sa, ok := s.byAction[action]
	s.mu.Unlock()
	if !ok {
		return &StatusEvent{}
	}
	return sa.events
}

// AccessPoint aggregates every Channel that can reach one logical peer
// (spec section 4.4): it resolves Named addresses to concrete Channels and
// hands out the best candidate by priority/p99 latency.
type AccessPoint struct {
	cfg      *Config
	sched    *Scheduler
	build    TransportBuilder
	resolver Resolver

	mu       sync.Mutex
	channels []*Channel
}

// NewAccessPoint builds an AccessPoint with no channels yet; call Resolve
// to populate candidates from a UnifiedAddress.
func NewAccessPoint(cfg *Config, sched *Scheduler, build TransportBuilder, resolver Resolver) *AccessPoint {
	if resolver == nil {
		resolver = DefaultResolver
	}
	return &AccessPoint{cfg: cfg, sched: sched, build: build, resolver: resolver}
}

// Resolve expands target into one Channel per candidate address (spec
// section 4.4's resolve phase), replacing any previously resolved set.
func (ap *AccessPoint) Resolve(target UnifiedAddress) error {
	if !target.IsResolved() && !ap.cfg.enableDNSResolve {
		return NewError(KindConfigurationError, "access_point.resolve", ErrUnsupportedScheme)
	}
	addrs, err := ResolveUnifiedAddress(target, ap.resolver)
	if err != nil {
		return err
	}
	channels := make([]*Channel, 0, len(addrs))
	for _, a := range addrs {
		channels = append(channels, NewChannel(a.Endpoint, ap.cfg, ap.sched, ap.build))
	}
	ap.mu.Lock()
	ap.channels = channels
	ap.mu.Unlock()
	return nil
}

// Best returns the candidate Channel with the lowest observed
// ConnectTimeP99 (ties broken by list order), the selection policy spec
// section 4.4 describes. Returns ErrNoCandidates if Resolve was never
// called or returned zero candidates.
func (ap *AccessPoint) Best() (*Channel, error) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if len(ap.channels) == 0 {
		return nil, NewError(KindResourceExhausted, "access_point.best", ErrNoCandidates)
	}
	best := ap.channels[0]
	bestP99 := best.ConnectTimeP99()
	for _, c := range ap.channels[1:] {
		if c.connStats.Count() == 0 {
			continue
		}
		if p := c.ConnectTimeP99(); bestP99 == 0 || (p > 0 && p < bestP99) {
			best, bestP99 = c, p
		}
	}
	return best, nil
}

// Channels returns the current candidate set.
func (ap *AccessPoint) Channels() []*Channel {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	out := make([]*Channel, len(ap.channels))
	copy(out, ap.channels)
	return out
}

// ConnectInPriorityOrder resolves and connects each of endpoints in turn
// (spec section 4.4/8-S4's channel-selection stream: try Wi-Fi, then
// modem, then LoRa), falling through to the next endpoint on any
// resolve/connect failure or per-attempt timeout, and only failing once
// every candidate has failed. The whole attempt is bounded by a
// cumulative deadline of cfg.connectTimeout per endpoint; an endpoint
// that doesn't answer within whatever budget remains counts as a
// failure, same as a transport error. The returned *AccessPoint is the
// one that produced the winning Channel, kept so callers can track its
// candidate set the way a single-endpoint caller already could.
func ConnectInPriorityOrder(endpoints []Endpoint, cfg *Config, sched *Scheduler, build TransportBuilder, resolver Resolver) (*Channel, *AccessPoint, error) {
	if len(endpoints) == 0 {
		return nil, nil, NewError(KindResourceExhausted, "access_point.connect_priority", ErrNoCandidates)
	}

	deadline := time.Now().Add(cfg.connectTimeout * time.Duration(len(endpoints)))
	var lastErr error
	for _, ep := range endpoints {
		if !time.Now().Before(deadline) {
			break
		}

		ap := NewAccessPoint(cfg, sched, build, resolver)
		if err := ap.Resolve(NewUnifiedAddress(ep)); err != nil {
			lastErr = err
			continue
		}
		ch, err := ap.Best()
		if err != nil {
			lastErr = err
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		events := ch.Connect()
		if err := waitForConnect(events, sched, time.Now().Add(remaining)); err != nil {
			lastErr = err
			continue
		}
		return ch, ap, nil
	}

	if lastErr == nil {
		lastErr = NewError(KindTransportFailure, "access_point.connect_priority", ErrNoCandidates)
	}
	return nil, nil, lastErr
}

// waitForConnect drives sched itself (the same poll-and-Tick idiom
// waitPromise uses in server.go) until events resolves or deadline passes,
// since nothing else ticks the scheduler on a caller's behalf while it
// blocks here.
func waitForConnect(events *StatusEvent, sched *Scheduler, deadline time.Time) error {
	connErr := make(chan error, 1)
	events.OnResult.Subscribe(func(Action) { connErr <- nil })
	events.OnError.Subscribe(func(err error) { connErr <- err })
	for {
		select {
		case err := <-connErr:
			return err
		default:
		}
		if !time.Now().Before(deadline) {
			return NewError(KindTimeout, "access_point.connect_priority", ErrNoCandidates)
		}
		sched.Tick(time.Now())
		time.Sleep(time.Millisecond)
	}
}
