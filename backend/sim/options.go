package sim

import (
	"time"

	"github.com/gogpu/rhi/driver"
)

// DefaultTimestampFrequency is the simulated timestamp clock in Hz.
const DefaultTimestampFrequency = 10_000_000

// Op names a driver entry point for fault injection.
type Op string

// Operations that can be made to fail with [WithFaults].
const (
	OpCreateQueue       Op = "create-queue"
	OpCreateFence       Op = "create-fence"
	OpCreateAllocator   Op = "create-allocator"
	OpCreateCommandList Op = "create-command-list"
	OpCreateQueryHeap   Op = "create-query-heap"
	OpCreateReadback    Op = "create-readback"
	OpCreateUpload      Op = "create-upload"
	OpSubmit            Op = "submit"
	OpSignal            Op = "signal"
	OpFenceWait         Op = "fence-wait"
	OpTimestampFreq     Op = "timestamp-frequency"
)

// FaultFunc returns a non-nil error to make op fail. qt is the queue type
// the operation concerns, or QueueGraphics when none applies.
type FaultFunc func(op Op, qt driver.QueueType) error

// Option configures a simulated device.
type Option func(*config)

type config struct {
	manual    bool
	latency   time.Duration
	frequency uint64
	clock     func() uint64
	samples   uint64
	faults    FaultFunc
	name      string
}

func defaultConfig() config {
	return config{
		frequency: DefaultTimestampFrequency,
		samples:   1,
		name:      "Simulated GPU",
	}
}

// WithManualCompletion disables the background executor. Work only
// completes through Step and Flush.
func WithManualCompletion() Option {
	return func(c *config) { c.manual = true }
}

// WithLatency delays the execution of every submission by d.
// Ignored in manual mode.
func WithLatency(d time.Duration) Option {
	return func(c *config) { c.latency = d }
}

// WithTimestampFrequency sets the timestamp clock in Hz.
func WithTimestampFrequency(hz uint64) Option {
	return func(c *config) {
		if hz > 0 {
			c.frequency = hz
		}
	}
}

// WithClock replaces the timestamp source. The default clock advances by
// one tick per timestamp written.
func WithClock(clock func() uint64) Option {
	return func(c *config) { c.clock = clock }
}

// WithOcclusionSamples sets the sample count every occlusion query reports.
func WithOcclusionSamples(n uint64) Option {
	return func(c *config) { c.samples = n }
}

// WithFaults installs a fault injector.
func WithFaults(fn FaultFunc) Option {
	return func(c *config) { c.faults = fn }
}

// WithName sets the adapter name reported by Info.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}
