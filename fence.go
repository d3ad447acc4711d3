package rhi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/rhi/driver"
)

// Fence tracks the progress of one queue with a monotonically increasing
// counter. The CPU requests values with Signal; the GPU reaches them in
// order once all work submitted before the signal has completed.
//
// Fence is safe for concurrent use.
type Fence struct {
	qt     QueueType
	native driver.Fence
	queue  driver.Queue

	// mu makes incrementing the counter and enqueuing the native signal one
	// step, so native signals are issued in increasing order.
	mu sync.Mutex

	lastSignaled atomic.Uint64
	completed    atomic.Uint64
}

func newFence(qt QueueType, native driver.Fence, queue driver.Queue) *Fence {
	return &Fence{qt: qt, native: native, queue: queue}
}

// QueueType returns the queue the fence belongs to.
func (f *Fence) QueueType() QueueType { return f.qt }

// LastSignaled returns the most recently requested value.
func (f *Fence) LastSignaled() uint64 { return f.lastSignaled.Load() }

// Signal increments the counter and enqueues a GPU signal of the new value
// on the fence's queue. It returns the new value.
func (f *Fence) Signal() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.lastSignaled.Load() + 1
	if err := f.queue.Signal(f.native, v); err != nil {
		return 0, fmt.Errorf("%w: signal %s fence to %d: %w", ErrFenceFailed, f.qt, v, err)
	}
	f.lastSignaled.Store(v)
	return v, nil
}

// CompletedValue polls the GPU and returns the highest value reached so far.
// The result never decreases.
func (f *Fence) CompletedValue() uint64 {
	v, err := f.native.CompletedValue()
	if err != nil {
		Logger().Warn("rhi: fence poll failed", "queue", f.qt, "err", err)
		return f.completed.Load()
	}
	return f.observe(v)
}

// IsReached reports whether the GPU has reached value. It does not block.
func (f *Fence) IsReached(value uint64) bool {
	if value <= f.completed.Load() {
		return true
	}
	return value <= f.CompletedValue()
}

// WaitUntil blocks until value is reached or timeout elapses. A negative
// timeout waits forever. It reports false with a nil error on timeout and
// false with an error wrapping ErrFenceFailed if the fence failed.
func (f *Fence) WaitUntil(value uint64, timeout time.Duration) (bool, error) {
	if f.IsReached(value) {
		return true, nil
	}
	ok, err := f.native.Wait(value, timeout)
	if err != nil {
		return false, fmt.Errorf("%w: wait for %s fence value %d: %w", ErrFenceFailed, f.qt, value, err)
	}
	if ok {
		f.observe(value)
	}
	return ok, nil
}

// observe folds v into the cached completed value and returns the maximum.
func (f *Fence) observe(v uint64) uint64 {
	for {
		cur := f.completed.Load()
		if v <= cur {
			return cur
		}
		if f.completed.CompareAndSwap(cur, v) {
			return v
		}
	}
}

func (f *Fence) destroy() {
	f.native.Destroy()
}

// FenceManager owns one Fence per queue type.
type FenceManager struct {
	fences [NumQueueTypes]*Fence
}

// Fence returns the fence for qt, or nil if the queue does not exist.
func (m *FenceManager) Fence(qt QueueType) *Fence {
	if int(qt) >= len(m.fences) {
		return nil
	}
	return m.fences[qt]
}

func (m *FenceManager) fence(qt QueueType) (*Fence, error) {
	f := m.Fence(qt)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrQueueUnavailable, qt)
	}
	return f, nil
}

// Signal increments the fence of qt and enqueues a GPU signal. It returns
// the new target value.
func (m *FenceManager) Signal(qt QueueType) (uint64, error) {
	f, err := m.fence(qt)
	if err != nil {
		return 0, err
	}
	return f.Signal()
}

// IsReached reports whether the fence of qt has reached value.
// Unknown queues report false.
func (m *FenceManager) IsReached(qt QueueType, value uint64) bool {
	f := m.Fence(qt)
	if f == nil {
		return false
	}
	return f.IsReached(value)
}

// WaitUntil blocks until the fence of qt reaches value or timeout elapses.
func (m *FenceManager) WaitUntil(qt QueueType, value uint64, timeout time.Duration) (bool, error) {
	f, err := m.fence(qt)
	if err != nil {
		return false, err
	}
	return f.WaitUntil(value, timeout)
}

// SyncPoint returns the SyncPoint for value on the fence of qt.
func (m *FenceManager) SyncPoint(qt QueueType, value uint64) SyncPoint {
	return SyncPoint{fence: m.Fence(qt), value: value}
}

func (m *FenceManager) destroy() {
	for i, f := range m.fences {
		if f != nil {
			f.destroy()
			m.fences[i] = nil
		}
	}
}
