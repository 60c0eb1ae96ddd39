package config

import "fmt"

// Validate checks cross-field constraints that flag parsing cannot express.
func (c *Config) Validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: cache TTL must be positive")
	}
	// A scan interval at or above the TTL floor would let entries expire
	// between passes without a persistence attempt.
	if c.ReconcileInterval >= c.CacheTTL {
		return fmt.Errorf("config: reconcile interval (%s) must be shorter than the cache TTL (%s)",
			c.ReconcileInterval, c.CacheTTL)
	}
	if c.TTLWarningWindow >= c.CacheTTL {
		return fmt.Errorf("config: TTL warning window (%s) must be shorter than the cache TTL (%s)",
			c.TTLWarningWindow, c.CacheTTL)
	}
	if c.TTLWarningWindow < c.ReconcileInterval {
		return fmt.Errorf("config: TTL warning window (%s) must be at least the reconcile interval (%s), or entries can expire between passes",
			c.TTLWarningWindow, c.ReconcileInterval)
	}
	if c.TaskMaxRetries < 1 {
		return fmt.Errorf("config: task max retries must be at least 1")
	}
	return nil
}
