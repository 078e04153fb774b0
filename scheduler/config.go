package scheduler

import "time"

// Config bounds the Host's polling cadence and concurrency: a small
// struct of defaults, adjusted via Option.
type Config struct {
	// PollInterval is the main loop's polling interval (default 5s).
	PollInterval time.Duration
	// MaxConcurrentWorkflows caps instance-level parallelism per host
	// (default 100).
	MaxConcurrentWorkflows int
	// MaxStepConcurrency bounds runnable-pointer parallelism within one
	// instance (default 10).
	MaxStepConcurrency int
	// LeaseTTL is the duration a lease is held for during one iteration
	// pass.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often the host registers its liveness
	// with the coordinator.
	HeartbeatInterval time.Duration
	// PurgeInterval is how often the maintenance tick runs PurgeWorkflows
	// and PurgeEvents. Zero disables automatic purging.
	PurgeInterval time.Duration
	// PurgeAge is the age threshold passed to PurgeWorkflows/PurgeEvents.
	PurgeAge time.Duration
	// MaxIterationRetries bounds the bounded-retry-on-conflict loop in
	// the main loop's per-instance iteration step.
	MaxIterationRetries int
	// NodeID identifies this host to the coordinator.
	NodeID string
}

// DefaultConfig returns the scheduler's stated defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:            5 * time.Second,
		MaxConcurrentWorkflows:  100,
		MaxStepConcurrency:      10,
		LeaseTTL:                30 * time.Second,
		HeartbeatInterval:       10 * time.Second,
		PurgeInterval:           0,
		PurgeAge:                30 * 24 * time.Hour,
		MaxIterationRetries:     3,
	}
}

// Option configures a Host at construction time.
type Option func(*Config)

// BuildConfig starts from DefaultConfig and applies opts in order, the way
// NewHost's own HostOption chain is applied (see host.go).
func BuildConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

func WithMaxConcurrentWorkflows(n int) Option {
	return func(c *Config) { c.MaxConcurrentWorkflows = n }
}

func WithMaxStepConcurrency(n int) Option {
	return func(c *Config) { c.MaxStepConcurrency = n }
}

func WithLeaseTTL(d time.Duration) Option {
	return func(c *Config) { c.LeaseTTL = d }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithPurge(interval, age time.Duration) Option {
	return func(c *Config) { c.PurgeInterval = interval; c.PurgeAge = age }
}

func WithNodeID(id string) Option {
	return func(c *Config) { c.NodeID = id }
}
