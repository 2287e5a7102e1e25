package worker

import "time"

// Config controls sweep cadence and batch sizes.
type Config struct {
	RunInterval       time.Duration
	SweepTimeout      time.Duration
	SubmitBatchSize   int
	PollBatchSize     int
	RecoverBatchSize  int
	FinalizeBatchSize int
	StallTimeout      time.Duration
	LeaderLockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       2 * time.Second,
		SweepTimeout:      30 * time.Second,
		SubmitBatchSize:   25,
		PollBatchSize:     50,
		RecoverBatchSize:  25,
		FinalizeBatchSize: 25,
		StallTimeout:      5 * time.Minute,
		LeaderLockTTL:     15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaults.SweepTimeout
	}
	if c.SubmitBatchSize <= 0 {
		c.SubmitBatchSize = defaults.SubmitBatchSize
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = defaults.PollBatchSize
	}
	if c.RecoverBatchSize <= 0 {
		c.RecoverBatchSize = defaults.RecoverBatchSize
	}
	if c.FinalizeBatchSize <= 0 {
		c.FinalizeBatchSize = defaults.FinalizeBatchSize
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = defaults.StallTimeout
	}
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = defaults.LeaderLockTTL
	}
	return c
}
