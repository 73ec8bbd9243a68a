package messaging

import (
	"time"
)

// Config holds the numeric tuning surface of the engine. Zero values are
// replaced by the defaults from DefaultConfig when components are built.
type Config struct {
	// PollInterval is how long a poller sleeps after an empty receive.
	PollInterval time.Duration

	// MaxBatch is the maximum number of messages fetched per receive call.
	MaxBatch int

	// LongPollWait is the transport-side wait passed to each receive call.
	LongPollWait time.Duration

	// VisibilityTimeout is how long a received-but-unacknowledged message
	// stays hidden before the transport may redeliver it.
	VisibilityTimeout time.Duration

	// DefaultTimeout is the request deadline used when a call does not
	// override it.
	DefaultTimeout time.Duration

	// TeardownGrace is how long a reply destination is kept alive after its
	// reference count reaches zero before it is deleted. Short grace
	// periods cause destination churn under bursty request load.
	TeardownGrace time.Duration

	// HeartbeatInterval is how often an active reply destination refreshes
	// its liveness marker, on transports that support one.
	HeartbeatInterval time.Duration

	// SweepInterval is how often the correlation registry reclaims
	// abandoned expired entries.
	SweepInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		MaxBatch:          10,
		LongPollWait:      20 * time.Second,
		VisibilityTimeout: 30 * time.Second,
		DefaultTimeout:    30 * time.Second,
		TeardownGrace:     30 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		SweepInterval:     30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = def.MaxBatch
	}
	if c.LongPollWait <= 0 {
		c.LongPollWait = def.LongPollWait
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = def.VisibilityTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.TeardownGrace <= 0 {
		c.TeardownGrace = def.TeardownGrace
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}
