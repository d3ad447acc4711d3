//go:build !nogpu

package wgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/driver"
)

// Queue is a typed view of the device's HAL queue.
type Queue struct {
	d   *Device
	typ driver.QueueType
}

// Type implements driver.Queue.
func (q *Queue) Type() driver.QueueType { return q.typ }

// Submit implements driver.Queue. Lists must be closed.
func (q *Queue) Submit(lists []driver.CommandList) error {
	if len(lists) == 0 {
		return nil
	}
	bufs := make([]hal.CommandBuffer, 0, len(lists))
	cls := make([]*CommandList, 0, len(lists))
	for i, l := range lists {
		cl, ok := l.(*CommandList)
		switch {
		case !ok:
			return fmt.Errorf("wgpu: list %d: foreign command list %T", i, l)
		case cl.d != q.d:
			return fmt.Errorf("wgpu: list %d: belongs to another device", i)
		case cl.buf == nil:
			return fmt.Errorf("wgpu: list %d: %w", i, ErrNotRecording)
		}
		bufs = append(bufs, cl.buf)
		cls = append(cls, cl)
	}
	idx, err := q.d.submit(bufs)
	if err != nil {
		return fmt.Errorf("wgpu: submit %d lists on %s queue: %w", len(bufs), q.typ, err)
	}
	for _, cl := range cls {
		cl.alloc.markSubmitted(idx)
	}
	return nil
}

// Signal implements driver.Queue. The value is reached once every
// submission issued so far has completed.
func (q *Queue) Signal(f driver.Fence, value uint64) error {
	fence, ok := f.(*Fence)
	if !ok || fence.d != q.d {
		return fmt.Errorf("wgpu: foreign fence %T", f)
	}
	fence.signal(value, q.d.lastSubmission())
	return nil
}

// TimestampFrequency implements driver.Queue.
func (q *Queue) TimestampFrequency() (uint64, error) {
	return q.d.timestampFrequency()
}

// mark pairs a signaled fence value with the submission index it waits on.
type mark struct {
	value uint64
	index uint64
}

// Fence is a timeline over HAL submission indices.
type Fence struct {
	d *Device

	mu      sync.Mutex
	value   uint64
	pending []mark
}

func (f *Fence) signal(value, index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, mark{value: value, index: index})
	f.advance()
}

// advance retires pending marks whose submission completed. Caller holds mu.
func (f *Fence) advance() {
	done := f.d.completed()
	n := 0
	for _, m := range f.pending {
		if m.index > done {
			break
		}
		f.value = max(f.value, m.value)
		n++
	}
	f.pending = f.pending[n:]
}

// CompletedValue implements driver.Fence.
func (f *Fence) CompletedValue() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advance()
	return f.value, nil
}

// Wait implements driver.Fence by polling the HAL queue.
func (f *Fence) Wait(value uint64, timeout time.Duration) (bool, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	backoff := 10 * time.Microsecond
	for {
		v, err := f.CompletedValue()
		if err != nil {
			return false, err
		}
		if v >= value {
			return true, nil
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, time.Millisecond)
	}
}

// Destroy implements driver.Fence. HAL queues own their fences.
func (f *Fence) Destroy() {}
