// Package scheduler runs queued executions on a pool of workers. Work is
// claimed from the store under a lease, failures are retried by policy and a
// watchdog requeues executions whose worker vanished.
package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Config defines the scheduler configuration.
type Config struct {
	// Workers is the number of concurrent worker goroutines.
	Workers int `yaml:"workers"`
	// MaxJobsPerWorker recycles a worker after that many jobs. Zero disables.
	MaxJobsPerWorker int `yaml:"max_jobs_per_worker"`
	// PollInterval is how often an idle worker looks for work.
	PollInterval time.Duration `yaml:"poll_interval"`
	// LeaseTTL is how long a claim survives without a heartbeat.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// WatchdogInterval is how often expired leases are reaped.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:          4,
		MaxJobsPerWorker: 50,
		PollInterval:     500 * time.Millisecond,
		LeaseTTL:         60 * time.Second,
		WatchdogInterval: 15 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MaxJobsPerWorker < 0 {
		errs = append(errs, fmt.Errorf("max_jobs_per_worker must not be negative, got %d", c.MaxJobsPerWorker))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.LeaseTTL < time.Second {
		errs = append(errs, errors.New("lease_ttl must be at least 1s"))
	}
	if c.WatchdogInterval <= 0 {
		errs = append(errs, errors.New("watchdog_interval must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) leaseSeconds() int {
	return int(c.LeaseTTL / time.Second)
}

// heartbeat is how often a running worker renews its lease.
func (c *Config) heartbeat() time.Duration {
	return c.LeaseTTL / 3
}
