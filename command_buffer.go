package rhi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rhi/driver"
)

// BufferState is the lifecycle state of a pooled command buffer.
type BufferState uint32

const (
	// BufferIdle means the buffer is in its pool.
	BufferIdle BufferState = iota
	// BufferRecording means commands can be recorded.
	BufferRecording
	// BufferExecutable means recording is closed and the buffer can be submitted.
	BufferExecutable
	// BufferSubmitted means the GPU owns the buffer.
	BufferSubmitted
)

// String returns the state name.
func (s BufferState) String() string {
	switch s {
	case BufferIdle:
		return "idle"
	case BufferRecording:
		return "recording"
	case BufferExecutable:
		return "executable"
	case BufferSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("BufferState(%d)", uint32(s))
	}
}

// CommandBuffer wraps a native command list and the allocator it records into.
type CommandBuffer struct {
	native   driver.CommandList
	qt       QueueType
	pool     *CommandBufferPool
	alloc    *CommandAllocator
	state    atomic.Uint32
	validate bool
}

// Native returns the native command list for recording.
func (b *CommandBuffer) Native() driver.CommandList { return b.native }

// Type returns the queue type the buffer can be submitted to.
func (b *CommandBuffer) Type() QueueType { return b.qt }

// Allocator returns the allocator the buffer records into.
func (b *CommandBuffer) Allocator() *CommandAllocator { return b.alloc }

// State returns the current lifecycle state.
func (b *CommandBuffer) State() BufferState { return BufferState(b.state.Load()) }

// Close ends recording and makes the buffer executable.
func (b *CommandBuffer) Close() error {
	if s := b.State(); s != BufferRecording {
		return misuse(b.validate, "close of %s command buffer in state %s", b.qt, s)
	}
	if err := b.native.Close(); err != nil {
		return fmt.Errorf("rhi: close %s command buffer: %w", b.qt, err)
	}
	b.state.Store(uint32(BufferExecutable))
	return nil
}

// CommandBufferPool recycles command buffers, keeping a separate free list
// per queue type.
type CommandBufferPool struct {
	dev      driver.Device
	validate bool

	mu        sync.Mutex
	available [NumQueueTypes][]*CommandBuffer
	created   [NumQueueTypes]int
}

func newCommandBufferPool(dev driver.Device, validate bool) *CommandBufferPool {
	return &CommandBufferPool{dev: dev, validate: validate}
}

// Obtain returns a command buffer recording into alloc. An idle buffer of
// the allocator's queue type is reset into alloc if one exists, otherwise a
// new native list is created.
func (p *CommandBufferPool) Obtain(alloc *CommandAllocator, initial driver.PipelineState) (*CommandBuffer, error) {
	if s := alloc.State(); s != AllocatorInUse {
		return nil, misuse(p.validate, "command buffer obtained from %s allocator in state %s", alloc.Type(), s)
	}
	qt := alloc.Type()

	p.mu.Lock()
	var b *CommandBuffer
	if n := len(p.available[qt]); n > 0 {
		b = p.available[qt][n-1]
		p.available[qt][n-1] = nil
		p.available[qt] = p.available[qt][:n-1]
	}
	p.mu.Unlock()

	if b != nil {
		if err := b.native.Reset(alloc.native, initial); err != nil {
			Logger().Warn("rhi: command buffer reset failed, destroying", "queue", qt, "err", err)
			b.native.Destroy()
			p.mu.Lock()
			p.created[qt]--
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: reset %s command buffer: %w", ErrConstruction, qt, err)
		}
	} else {
		native, err := p.dev.CreateCommandList(alloc.native, initial)
		if err != nil {
			Logger().Warn("rhi: command buffer creation failed", "queue", qt, "err", err)
			return nil, fmt.Errorf("%w: %s command buffer: %w", ErrConstruction, qt, err)
		}
		b = &CommandBuffer{native: native, qt: qt, pool: p, validate: p.validate}

		p.mu.Lock()
		p.created[qt]++
		created := p.created[qt]
		p.mu.Unlock()
		Logger().Debug("rhi: command buffer created", "queue", qt, "total", created)
	}

	b.alloc = alloc
	alloc.live.Add(1)
	b.state.Store(uint32(BufferRecording))
	return b, nil
}

// recycle returns a submitted buffer whose SyncPoint has been reached.
func (p *CommandBufferPool) recycle(b *CommandBuffer) error {
	if b.pool != p {
		return misuse(p.validate, "command buffer recycled into a foreign pool")
	}
	if s := b.State(); s != BufferSubmitted {
		return misuse(p.validate, "recycle of %s command buffer in state %s", b.qt, s)
	}
	if b.alloc != nil {
		b.alloc.live.Add(-1)
		b.alloc = nil
	}
	b.state.Store(uint32(BufferIdle))

	p.mu.Lock()
	p.available[b.qt] = append(p.available[b.qt], b)
	p.mu.Unlock()
	return nil
}

// Available returns the number of idle buffers for qt.
func (p *CommandBufferPool) Available(qt QueueType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available[qt])
}

// Created returns the number of buffers created for qt.
func (p *CommandBufferPool) Created(qt QueueType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created[qt]
}

func (p *CommandBufferPool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for qt := range p.available {
		for _, b := range p.available[qt] {
			b.native.Destroy()
		}
		if out := p.created[qt] - len(p.available[qt]); out > 0 {
			Logger().Warn("rhi: command buffers still in use at shutdown", "queue", QueueType(qt), "count", out)
		}
		p.available[qt] = nil
		p.created[qt] = 0
	}
}
