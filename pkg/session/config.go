package session

import "time"

// Config holds manager settings.
type Config struct {
	// CacheTTL is how long a session stays in the per-context cache before
	// the next read goes back to the store.
	// Default: 5m
	CacheTTL time.Duration

	// CacheCleanup is how often expired cache entries are purged.
	// Default: 10m
	CacheCleanup time.Duration

	// MaxInactivity is the idle limit hosts pass to CheckAbandoned from
	// the scheduled sweep.
	// Default: 30m
	MaxInactivity time.Duration

	// StoreTimeout bounds the store refresh run by Follow.
	// Default: 5s
	StoreTimeout time.Duration
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:      5 * time.Minute,
		CacheCleanup:  10 * time.Minute,
		MaxInactivity: 30 * time.Minute,
		StoreTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheCleanup <= 0 {
		c.CacheCleanup = d.CacheCleanup
	}
	if c.MaxInactivity <= 0 {
		c.MaxInactivity = d.MaxInactivity
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}
