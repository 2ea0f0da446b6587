package scheduler

import (
	"time"

	"github.com/smallbiznis/accountingproxy/internal/config"
)

// Config controls the periodic usage notification.
type Config struct {
	// RunInterval of zero disables the scheduler.
	RunInterval time.Duration
	JobTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Hour,
		JobTimeout:  5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Notify.Interval,
		JobTimeout:  cfg.Notify.Timeout,
	}
}

func (c Config) Enabled() bool {
	return c.RunInterval > 0
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultConfig().JobTimeout
	}
	return c
}
