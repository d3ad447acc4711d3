package rhi

import "time"

// Option configures a Device during creation.
//
// Example:
//
//	dev, err := rhi.Open("sim",
//	    rhi.WithQueryHeapCapacity(64),
//	    rhi.WithWaitTimeout(time.Second),
//	)
type Option func(*Config)

// WithConfig replaces the whole configuration. Options after it still apply.
func WithConfig(c Config) Option {
	return func(dst *Config) {
		*dst = c
	}
}

// WithBackend sets the backend name Open uses when called with "".
func WithBackend(name string) Option {
	return func(c *Config) {
		c.Backend = name
	}
}

// WithQueryHeapCapacity sets the number of queries per pooled heap.
func WithQueryHeapCapacity(n uint32) Option {
	return func(c *Config) {
		c.QueryHeapCapacity = n
	}
}

// WithWaitTimeout bounds blocking submissions. A negative value waits forever.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WaitTimeout = Duration(d)
	}
}

// WithValidation enables or disables panics on usage contract violations.
func WithValidation(enabled bool) Option {
	return func(c *Config) {
		c.Validation = enabled
	}
}

// WithPrewarmAllocators creates n graphics allocators when the device opens.
func WithPrewarmAllocators(n int) Option {
	return func(c *Config) {
		c.PrewarmAllocators = n
	}
}

// WithQueues selects the queue types to create. The graphics queue is
// always required.
func WithQueues(types ...QueueType) Option {
	return func(c *Config) {
		c.Queues = make([]string, len(types))
		for i, t := range types {
			c.Queues[i] = t.String()
		}
	}
}

// WithWorkers sets the size of the parallel recording pool.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
	}
}

// WithUploadChunkSize sets the granularity of upload buffer sizes. n must
// be a power of two.
func WithUploadChunkSize(n uint64) Option {
	return func(c *Config) {
		c.UploadChunkSize = n
	}
}

func buildConfig(opts []Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
