//go:build !nogpu

package wgpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/driver"
)

// CommandAllocator owns a HAL command encoder and the command buffers it
// produced since the last Reset.
type CommandAllocator struct {
	d   *Device
	typ driver.QueueType
	enc hal.CommandEncoder

	mu         sync.Mutex
	recording  *CommandList
	produced   []hal.CommandBuffer
	lastSubmit uint64
	destroyed  bool
}

// Type implements driver.CommandAllocator.
func (a *CommandAllocator) Type() driver.QueueType { return a.typ }

func (a *CommandAllocator) markSubmitted(idx uint64) {
	a.mu.Lock()
	a.lastSubmit = max(a.lastSubmit, idx)
	a.mu.Unlock()
}

// Reset implements driver.CommandAllocator.
func (a *CommandAllocator) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recording != nil {
		return fmt.Errorf("wgpu: reset allocator while recording: %w", driver.ErrInUse)
	}
	if done := a.d.completed(); a.lastSubmit > done {
		return fmt.Errorf("wgpu: reset allocator at submission %d, completed %d: %w",
			a.lastSubmit, done, driver.ErrInUse)
	}
	if len(a.produced) > 0 {
		a.enc.ResetAll(a.produced)
		a.produced = a.produced[:0]
	}
	return nil
}

// Destroy implements driver.CommandAllocator.
func (a *CommandAllocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	if a.recording != nil {
		a.enc.DiscardEncoding()
		a.recording = nil
	}
	if len(a.produced) > 0 {
		a.enc.ResetAll(a.produced)
		a.produced = nil
	}
	a.enc.Destroy()
}

// CommandList records into its allocator's encoder between begin and Close.
type CommandList struct {
	d     *Device
	typ   driver.QueueType
	alloc *CommandAllocator

	// buf is the closed HAL command buffer, nil while recording.
	buf       hal.CommandBuffer
	recording bool
}

func (l *CommandList) begin(a *CommandAllocator) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("wgpu: begin on destroyed allocator")
	}
	if a.recording != nil {
		return ErrEncoderBusy
	}
	if err := a.enc.BeginEncoding("rhi-" + l.typ.String()); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	a.recording = l
	l.alloc = a
	l.buf = nil
	l.recording = true
	return nil
}

// Type implements driver.CommandList.
func (l *CommandList) Type() driver.QueueType { return l.typ }

// Reset implements driver.CommandList and starts recording into alloc.
// The previous command buffer is returned to its allocator on that
// allocator's Reset.
func (l *CommandList) Reset(alloc driver.CommandAllocator, _ driver.PipelineState) error {
	if l.recording {
		return fmt.Errorf("wgpu: reset of a recording command list: %w", driver.ErrInUse)
	}
	a, ok := alloc.(*CommandAllocator)
	if !ok {
		return fmt.Errorf("wgpu: foreign command allocator %T", alloc)
	}
	if a.typ != l.typ {
		return fmt.Errorf("wgpu: %s list on %s allocator", l.typ, a.typ)
	}
	return l.begin(a)
}

// Close implements driver.CommandList.
func (l *CommandList) Close() error {
	if !l.recording {
		return ErrNotRecording
	}
	a := l.alloc
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, err := a.enc.EndEncoding()
	a.recording = nil
	l.recording = false
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	l.buf = buf
	a.produced = append(a.produced, buf)
	return nil
}

// WriteTimestamp implements driver.CommandList with an empty compute pass.
func (l *CommandList) WriteTimestamp(heap driver.QueryHeap, index uint32) {
	h, ok := heap.(*QueryHeap)
	if !ok || !l.recording {
		slogger().Warn("wgpu: timestamp dropped", "recording", l.recording, "heap", fmt.Sprintf("%T", heap))
		return
	}
	pass := l.alloc.enc.BeginComputePass(&hal.ComputePassDescriptor{
		Label: "rhi-timestamp",
		TimestampWrites: &hal.ComputePassTimestampWrites{
			QuerySet:                  h.set,
			BeginningOfPassWriteIndex: &index,
		},
	})
	pass.End()
}

// BeginQuery implements driver.CommandList. Occlusion heaps cannot be
// created on this backend so the call is never reached through rhi.
func (l *CommandList) BeginQuery(driver.QueryHeap, uint32) {
	slogger().Warn("wgpu: occlusion queries are not supported")
}

// EndQuery implements driver.CommandList.
func (l *CommandList) EndQuery(driver.QueryHeap, uint32) {
	slogger().Warn("wgpu: occlusion queries are not supported")
}

// ResolveQueries implements driver.CommandList.
func (l *CommandList) ResolveQueries(heap driver.QueryHeap, first, count uint32, dst driver.ReadbackBuffer, offset uint64) {
	h, hok := heap.(*QueryHeap)
	rb, rok := dst.(*ReadbackBuffer)
	if !hok || !rok || !l.recording {
		slogger().Warn("wgpu: query resolve dropped", "recording", l.recording)
		return
	}
	size := uint64(count) * driver.QueryResultSize
	enc := l.alloc.enc
	enc.ResolveQuerySet(h.set, first, count, rb.resolve, offset)
	enc.CopyBufferToBuffer(rb.resolve, rb.staging, []hal.BufferCopy{{
		SrcOffset: offset,
		DstOffset: offset,
		Size:      size,
	}})
}

// Destroy implements driver.CommandList.
func (l *CommandList) Destroy() {
	if l.recording {
		a := l.alloc
		a.mu.Lock()
		a.enc.DiscardEncoding()
		a.recording = nil
		a.mu.Unlock()
		l.recording = false
	}
	l.buf = nil
}
