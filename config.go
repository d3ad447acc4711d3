package rhi

import (
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gogpu/rhi/driver"
)

// Duration is a time.Duration that decodes from strings such as "250ms".
// A negative duration means "wait forever".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "infinite" || s == "forever" {
		*d = Duration(-1)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("rhi: parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	if d < 0 {
		return []byte("infinite"), nil
	}
	return []byte(time.Duration(d).String()), nil
}

// Config holds device configuration. It can be built from options or
// decoded from TOML:
//
//	backend = "sim"
//	query_heap_capacity = 256
//	wait_timeout = "5s"
//	validation = true
//	prewarm_allocators = 4
//	queues = ["graphics", "compute", "copy"]
//	workers = 0
//	upload_chunk_size = 65536
type Config struct {
	// Backend is the registered backend Open uses when no name is given.
	// Empty selects the best available backend.
	Backend string `toml:"backend"`

	// QueryHeapCapacity is the number of queries per pooled heap.
	QueryHeapCapacity uint32 `toml:"query_heap_capacity"`

	// WaitTimeout bounds blocking submissions and shutdown drains.
	WaitTimeout Duration `toml:"wait_timeout"`

	// Validation turns usage contract violations into panics. When false
	// they are logged and returned as ErrInvalidState.
	Validation bool `toml:"validation"`

	// PrewarmAllocators is the number of graphics allocators created up front.
	PrewarmAllocators int `toml:"prewarm_allocators"`

	// Queues lists the queue types to create. The graphics queue is required.
	Queues []string `toml:"queues"`

	// Workers is the size of the parallel recording pool. 0 uses GOMAXPROCS.
	Workers int `toml:"workers"`

	// UploadChunkSize is the granularity, in bytes, of upload buffer sizes.
	// It must be a power of two.
	UploadChunkSize uint64 `toml:"upload_chunk_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Backend:           "",
		QueryHeapCapacity: 256,
		WaitTimeout:       Duration(5 * time.Second),
		Validation:        true,
		Queues:            []string{"graphics", "compute", "copy"},
		UploadChunkSize:   64 << 10,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("rhi: load config %s: %w", path, err)
	}
	return finishDecode(cfg, md)
}

// ParseConfig decodes TOML text on top of DefaultConfig.
func ParseConfig(text string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("rhi: parse config: %w", err)
	}
	return finishDecode(cfg, md)
}

func finishDecode(cfg Config, md toml.MetaData) (Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.QueryHeapCapacity == 0 {
		return fmt.Errorf("%w: query_heap_capacity must be positive", ErrInvalidConfig)
	}
	if c.PrewarmAllocators < 0 {
		return fmt.Errorf("%w: prewarm_allocators must not be negative", ErrInvalidConfig)
	}
	if bits.OnesCount64(c.UploadChunkSize) != 1 {
		return fmt.Errorf("%w: upload_chunk_size %d is not a power of two", ErrInvalidConfig, c.UploadChunkSize)
	}
	if _, err := c.queueTypes(); err != nil {
		return err
	}
	return nil
}

// Timeout returns WaitTimeout as a time.Duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.WaitTimeout)
}

// queueTypes parses Queues. The graphics queue is always present.
func (c Config) queueTypes() ([]QueueType, error) {
	var seen [NumQueueTypes]bool
	types := make([]QueueType, 0, len(c.Queues))
	for _, name := range c.Queues {
		qt, ok := driver.ParseQueueType(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown queue type %q", ErrInvalidConfig, name)
		}
		if seen[qt] {
			continue
		}
		seen[qt] = true
		types = append(types, qt)
	}
	if !seen[QueueGraphics] {
		return nil, fmt.Errorf("%w: the graphics queue is required", ErrInvalidConfig)
	}
	return types, nil
}
