package rebus

import "time"

// Config holds every bus-construction-time setting. It is built through
// functional options (NewConfig(opts...)), the convention implied by the
// teacher's `cfg` struct read throughout `_teacherref/broker.go` and
// `_teacherref/consumer.go` (`cl.cfg.logger`, `cl.cfg.dialFn`,
// `cl.cfg.hooks`, `cl.cfg.maxVersions`, ...) even though the untruncated
// `kgo` package's own option constructors were not part of the retrieved
// files.
type Config struct {
	NumberOfWorkers         int
	MaxParallelism          int
	ReceiveParallelism      int
	AutomaticPeekLockRenewal bool
	Prefetch                int
	IdempotentSagas         bool
	DefaultReturnAddress    string
	Logger                  Logger
	Hooks                   Hooks
	Codec                   Codec
	CodecThreshold          int
	LeaseDuration           time.Duration
	MaxDeliveries           int
	DeadLetterAddress       string
	TimeoutPollInterval     time.Duration
}

// Option configures a Config.
type Option func(*Config)

// WithNumberOfWorkers sets how many worker goroutines poll Transport.Receive
// concurrently (spec.md §4.F). Default 1.
func WithNumberOfWorkers(n int) Option {
	return func(c *Config) { c.NumberOfWorkers = n }
}

// WithMaxParallelism bounds system-wide concurrent handler invocations via
// the worker bottleneck (spec.md §4.E). Default DefaultWorkerBottleneckLimit.
func WithMaxParallelism(n int) Option {
	return func(c *Config) { c.MaxParallelism = n }
}

// WithReceiveParallelism bounds concurrent Transport.Receive calls
// independently of handler parallelism (spec.md §4.E). Default
// DefaultReceiveBottleneckLimit.
func WithReceiveParallelism(n int) Option {
	return func(c *Config) { c.ReceiveParallelism = n }
}

// WithAutomaticPeekLockRenewal selects ReceiveModeRenewOnLease instead of
// plain receive, once the Config is turned into a transport via
// Config.MemTransportConfig / NewMemTransportFromConfig. Mutually
// exclusive with WithPrefetch (spec.md §9); the last one applied wins.
func WithAutomaticPeekLockRenewal() Option {
	return func(c *Config) {
		c.AutomaticPeekLockRenewal = true
		c.Prefetch = 0
	}
}

// WithPrefetch selects ReceiveModePrefetch(n), once the Config is turned
// into a transport via Config.MemTransportConfig / NewMemTransportFromConfig.
// Mutually exclusive with WithAutomaticPeekLockRenewal (spec.md §9); the
// last one applied wins.
func WithPrefetch(n int) Option {
	return func(c *Config) {
		c.Prefetch = n
		c.AutomaticPeekLockRenewal = false
	}
}

// WithIdempotentSagas wraps the configured SagaStore in an
// IdempotentSagaStore so redelivered messages already processed to
// completion by a saga replay their recorded side effects instead of
// re-invoking Handle (spec.md §4.L).
func WithIdempotentSagas() Option {
	return func(c *Config) { c.IdempotentSagas = true }
}

// WithDefaultReturnAddress sets the rbs2-return-address header value used
// when a handler calls Bus.Reply and no explicit return address was
// carried on the incoming message.
func WithDefaultReturnAddress(address string) Option {
	return func(c *Config) { c.DefaultReturnAddress = address }
}

// WithLogger installs a Logger; the default is NopLogger.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithHooks appends hooks to the bus's hook list, dispatched via
// Hooks.each at the lifecycle points documented in logging.go.
func WithHooks(hooks ...Hook) Option {
	return func(c *Config) { c.Hooks = append(c.Hooks, hooks...) }
}

// WithCodec selects a body compression codec (and the size threshold
// above which it's applied), carried into a MemTransport constructed via
// NewMemTransportFromConfig.
func WithCodec(codec Codec, threshold int) Option {
	return func(c *Config) {
		c.Codec = codec
		c.CodecThreshold = threshold
	}
}

// WithLeaseDuration sets the peek-lock duration granted per Receive,
// carried into a MemTransport constructed via NewMemTransportFromConfig.
// Default 30s.
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Config) { c.LeaseDuration = d }
}

// WithMaxDeliveries sets the delivery-count ceiling before a message is
// dead-lettered (spec.md §7), carried into a MemTransport constructed via
// NewMemTransportFromConfig. Default DefaultMaxDeliveries.
func WithMaxDeliveries(n int) Option {
	return func(c *Config) { c.MaxDeliveries = n }
}

// WithDeadLetterAddress overrides the default "error" dead-letter queue
// name, carried into a MemTransport constructed via
// NewMemTransportFromConfig.
func WithDeadLetterAddress(address string) Option {
	return func(c *Config) { c.DeadLetterAddress = address }
}

// WithTimeoutPollInterval sets how often the TimeoutWorker polls for due
// deferred messages. Default 100ms.
func WithTimeoutPollInterval(d time.Duration) Option {
	return func(c *Config) { c.TimeoutPollInterval = d }
}

// ReceiveMode derives the ReceiveMode implied by AutomaticPeekLockRenewal
// and Prefetch: the two are mutually exclusive (spec.md §9), which
// WithAutomaticPeekLockRenewal/WithPrefetch already enforce against each
// other at the option level, so only one can be set here by the time
// NewConfig returns.
func (c *Config) ReceiveMode() ReceiveMode {
	if c.AutomaticPeekLockRenewal {
		return ReceiveModeRenewOnLease()
	}
	if c.Prefetch > 0 {
		return ReceiveModePrefetch(c.Prefetch)
	}
	return ReceiveModePlain()
}

// MemTransportConfig translates the bus-level settings spec.md §6 calls
// out as part of the configuration surface — automaticallyRenewPeekLock,
// prefetch, lease duration, max deliveries, dead-letter address, codec,
// logging, hooks — into the in-memory reference transport's own config
// type, so a MemTransport built from c actually observes the options a
// caller set via NewConfig rather than requiring a second, independently
// hand-built MemTransportConfig. See NewMemTransportFromConfig.
func (c *Config) MemTransportConfig() MemTransportConfig {
	return MemTransportConfig{
		LeaseDuration:     c.LeaseDuration,
		Mode:              c.ReceiveMode(),
		MaxDeliveries:     c.MaxDeliveries,
		DeadLetterAddress: c.DeadLetterAddress,
		Codec:             c.Codec,
		CodecThreshold:    c.CodecThreshold,
		Logger:            c.Logger,
		Hooks:             c.Hooks,
	}
}

// NewConfig applies opts over a Config pre-filled with defaults matching
// spec.md §4's stated defaults.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		NumberOfWorkers:    1,
		MaxParallelism:     DefaultWorkerBottleneckLimit,
		ReceiveParallelism: DefaultReceiveBottleneckLimit,
		Logger:             NopLogger{},
		LeaseDuration:      defaultLeaseDuration,
		MaxDeliveries:      DefaultMaxDeliveries,
		DeadLetterAddress:  defaultDeadLetterQueue,
		CodecThreshold:     defaultCodecThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
