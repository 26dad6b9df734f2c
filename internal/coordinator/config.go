package coordinator

import (
	"time"

	"golang.org/x/time/rate"
)

// Config tunes the distributed tier.
type Config struct {
	// Master is the rank that starts termination.
	Master uint32
	// PoolSize is the number of nodes a closed pool waits for; 0 means open.
	PoolSize int
	// StealTimeout bounds the wait for one remote steal reply.
	StealTimeout time.Duration
	// StealRetries is the number of nodes asked per remote steal.
	StealRetries int
	// StealRate limits remote steal attempts per second.
	StealRate rate.Limit
	// SendRetries is the number of attempts per frame.
	SendRetries int
	// RetryBackoff is the pause between send attempts.
	RetryBackoff time.Duration
	// BreakerTimeout is how long a peer's breaker stays open.
	BreakerTimeout time.Duration
	// LoadInterval is how often the local load is compared with the one last
	// advertised to peers.
	LoadInterval time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		StealTimeout:   100 * time.Millisecond,
		StealRetries:   2,
		StealRate:      2000,
		SendRetries:    3,
		RetryBackoff:   5 * time.Millisecond,
		BreakerTimeout: time.Second,
		LoadInterval:   20 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StealTimeout <= 0 {
		c.StealTimeout = d.StealTimeout
	}
	if c.StealRetries <= 0 {
		c.StealRetries = d.StealRetries
	}
	if c.StealRate <= 0 {
		c.StealRate = d.StealRate
	}
	if c.SendRetries <= 0 {
		c.SendRetries = d.SendRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.LoadInterval <= 0 {
		c.LoadInterval = d.LoadInterval
	}
	return c
}
