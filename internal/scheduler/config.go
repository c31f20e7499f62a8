package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval          time.Duration
	BatchSize            int
	SweepInterval        time.Duration
	DormantSweepInterval time.Duration
	DormantAfter         time.Duration
	EnabledJobs          []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:          time.Minute,
		BatchSize:            50,
		SweepInterval:        time.Hour,
		DormantSweepInterval: 24 * time.Hour,
		DormantAfter:         30 * 24 * time.Hour,
	}
}

func ProvideConfig() Config {
	return DefaultConfig()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.DormantSweepInterval <= 0 {
		c.DormantSweepInterval = defaults.DormantSweepInterval
	}
	if c.DormantAfter <= 0 {
		c.DormantAfter = defaults.DormantAfter
	}
	return c
}
