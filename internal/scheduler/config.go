package scheduler

import (
	"time"
)

// Config controls the sweep interval.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 30 * time.Second,
		JobTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
