package aether

import (
	"context"
	"time"
)

const (
	// DefaultFastPoll is AdaptivePoll's fast interval: the time streamBase's
	// reader loop sleeps between checks while it has no connection. No
	// driver calls AdaptivePoll.Sleep, so no back-off toward DataPoll occurs.
	DefaultFastPoll = 10 * time.Millisecond
	// DefaultDataPoll is AdaptivePoll's steady (maximum back-off) interval.
	// The shipped drivers never back off, so none of them waits this long.
	DefaultDataPoll = 500 * time.Millisecond
	// DefaultPingInterval matches spec.md's AE_PING_INTERVAL_MS default.
	DefaultPingInterval = 5 * time.Second
	// DefaultConnectTimeout matches AE_DEFAULT_CONNECTION_TIMEOUT_MS.
	DefaultConnectTimeout = 50 * time.Second
	// DefaultResponseTimeout matches AE_DEFAULT_RESPONSE_TIMEOUT_MS.
	DefaultResponseTimeout = 10 * time.Second
	// DefaultIdleTimeout is the default for WithIdleTimeout. No component
	// reads the idle timeout; connections are not rotated out by it.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultMaxServerConnections matches AE_CLOUD_MAX_SERVER_CONNECTIONS.
	DefaultMaxServerConnections = 3
	// DefaultStatsWindowSize matches the AE_STATISTICS_*_WINDOW_SIZE family;
	// all three (connect/response/ping) default to the same width unless
	// overridden individually.
	DefaultStatsWindowSize = 100
	// DefaultRTOGrowFactor matches AE_SAFE_STREAM_RTO_GROW_FACTOR.
	DefaultRTOGrowFactor = 1.5
	// DefaultPingFailureThreshold is how many consecutive missed pings
	// (spec section 9 Open Question) a server connection tolerates before
	// it is rotated out of the pool.
	DefaultPingFailureThreshold = 2
)

// Option configures a Config. Options are applied in order, so a later
// option wins over an earlier one.
type Option func(*Config)

// Config holds every runtime tunable named by spec section 3's AE_* table,
// plus the feature toggles that select which transport drivers and
// capabilities a particular build of the engine carries.
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger Logger
	stats  *StatsConfig

	fastPoll time.Duration
	dataPoll time.Duration

	maxServerConnections int
	pingInterval         time.Duration
	pingFailureThreshold int
	connectTimeout       time.Duration
	responseTimeout      time.Duration
	idleTimeout          time.Duration

	rtoGrowFactor float64

	enableTCP          bool
	enableUDP          bool
	enableModem        bool
	enableLoRa         bool
	enableDNSResolve   bool
	enableProxy        bool
	enableRegistration bool
}

// StatsConfig sizes the rolling windows behind the engine's
// StatisticsCounters (spec section 4.4). Only ConnectWindowSize is read, by
// each Channel's connect-time counter; ResponseWindowSize and
// PingWindowSize are stored but no counter uses them.
type StatsConfig struct {
	ConnectWindowSize  int
	ResponseWindowSize int
	PingWindowSize     int
}

// Validate reports a KindConfigurationError if the config is internally
// inconsistent, the way a caller should check before Dial/Listen.
func (c *Config) Validate() error {
	if c.maxServerConnections <= 0 {
		return NewError(KindConfigurationError, "config.validate", ErrInvalidConfig)
	}
	if !c.enableTCP && !c.enableUDP && !c.enableModem && !c.enableLoRa {
		return NewError(KindConfigurationError, "config.validate", ErrNoTransportsEnabled)
	}
	return nil
}

// defaultConfig returns the library defaults. The tunables and feature
// toggles follow the AE_* defaults in spec section 3; the poll intervals,
// idle timeout and ping failure threshold have no AE_* counterpart.
func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:    ctx,
		cancel: cancel,
		logger: NewLogger(),
		stats: &StatsConfig{
			ConnectWindowSize:  DefaultStatsWindowSize,
			ResponseWindowSize: DefaultStatsWindowSize,
			PingWindowSize:     DefaultStatsWindowSize,
		},
		fastPoll:             DefaultFastPoll,
		dataPoll:             DefaultDataPoll,
		maxServerConnections: DefaultMaxServerConnections,
		pingInterval:         DefaultPingInterval,
		pingFailureThreshold: DefaultPingFailureThreshold,
		connectTimeout:       DefaultConnectTimeout,
		responseTimeout:      DefaultResponseTimeout,
		idleTimeout:          DefaultIdleTimeout,
		rtoGrowFactor:        DefaultRTOGrowFactor,
		enableTCP:            true,
		enableUDP:            true,
		enableModem:          false,
		enableLoRa:           false,
		enableDNSResolve:     true,
		enableProxy:          true,
		enableRegistration:   true,
	}
}

// applyConfig builds a runtime config by applying opts on top of defaults.
func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// NewConfig is the public entry point for building a Config from options.
func NewConfig(opts ...Option) *Config { return applyConfig(opts) }

// WithFastPoll sets the polling interval used while a driver has pending
// activity.
func WithFastPoll(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.fastPoll = d
		}
	}
}

// WithDataPoll sets the steady-state idle polling interval.
func WithDataPoll(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.dataPoll = d
		}
	}
}

// WithMaxServerConnections bounds how many simultaneous server connections
// the server-connection manager (C9) keeps in its pool.
func WithMaxServerConnections(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxServerConnections = n
		}
	}
}

// WithPingInterval sets the keep-alive heartbeat cadence. Zero disables
// keep-alive pings entirely.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// WithPingFailureThreshold sets how many consecutive missed pings a server
// connection tolerates before rotation (the Open Question resolved in
// DESIGN.md: this is a tunable, not a hard protocol contract).
func WithPingFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.pingFailureThreshold = n
		}
	}
}

// WithConnectTimeout sets the maximum duration a channel connect attempt is
// allowed to take before StatusError.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithResponseTimeout sets the maximum duration an RPC call waits for its
// matching response before StatusError.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// WithIdleTimeout sets Config's idle timeout. No component reads it; idle
// connections are not timed out or rotated by it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithRTOGrowFactor sets the multiplier applied to a safe-stream chunk's RTO
// on each retransmit (AE_SAFE_STREAM_RTO_GROW_FACTOR).
func WithRTOGrowFactor(f float64) Option {
	return func(c *Config) {
		if f >= 1.0 {
			c.rtoGrowFactor = f
		}
	}
}

// WithStats overrides the rolling-window sizes behind the engine's
// StatisticsCounters.
func WithStats(s StatsConfig) Option {
	return func(c *Config) {
		if s.ConnectWindowSize > 0 {
			c.stats.ConnectWindowSize = s.ConnectWindowSize
		}
		if s.ResponseWindowSize > 0 {
			c.stats.ResponseWindowSize = s.ResponseWindowSize
		}
		if s.PingWindowSize > 0 {
			c.stats.PingWindowSize = s.PingWindowSize
		}
	}
}

// WithContext sets the base context for the engine's background work.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithLogger sets a custom Logger. If not provided, a zerolog-backed
// default writing to stderr is used.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTransports enables or disables each transport driver family at
// compile-adjacent granularity (the closest Go equivalent of the original
// engine's AE_SUPPORT_* build-time feature flags). A disabled family's
// factory refuses to Dial with a KindConfigurationError.
func WithTransports(tcp, udp, modem, lora bool) Option {
	return func(c *Config) {
		c.enableTCP = tcp
		c.enableUDP = udp
		c.enableModem = modem
		c.enableLoRa = lora
	}
}

// WithDNSResolve toggles whether named Addresses are resolved via the
// Resolver or rejected as already-resolved-only.
func WithDNSResolve(enabled bool) Option {
	return func(c *Config) { c.enableDNSResolve = enabled }
}

// WithProxy sets Config's proxy toggle. The engine has no proxy channel, and
// no component reads the toggle.
func WithProxy(enabled bool) Option {
	return func(c *Config) { c.enableProxy = enabled }
}

// WithRegistration sets Config's registration toggle. No component reads
// it: Registrar and RegistrationClient (C11) behave the same whichever way
// it is set.
func WithRegistration(enabled bool) Option {
	return func(c *Config) { c.enableRegistration = enabled }
}
