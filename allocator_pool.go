package rhi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rhi/driver"
)

// AllocatorState is the lifecycle state of a pooled command allocator.
type AllocatorState uint32

const (
	// AllocatorIdle means the allocator is in its pool.
	AllocatorIdle AllocatorState = iota
	// AllocatorInUse means a caller owns the allocator and may record into it.
	AllocatorInUse
	// AllocatorSubmitted means work recorded into it is owned by the GPU.
	AllocatorSubmitted
)

// String returns the state name.
func (s AllocatorState) String() string {
	switch s {
	case AllocatorIdle:
		return "idle"
	case AllocatorInUse:
		return "in-use"
	case AllocatorSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("AllocatorState(%d)", uint32(s))
	}
}

// CommandAllocator wraps a native command allocator owned by a
// CommandAllocatorPool.
type CommandAllocator struct {
	native driver.CommandAllocator
	pool   *CommandAllocatorPool
	state  atomic.Uint32
	// live counts command buffers currently recording into or holding
	// commands from this allocator.
	live atomic.Int32
}

// Native returns the native allocator.
func (a *CommandAllocator) Native() driver.CommandAllocator { return a.native }

// Type returns the queue type the allocator serves.
func (a *CommandAllocator) Type() QueueType { return a.pool.qt }

// State returns the current lifecycle state.
func (a *CommandAllocator) State() AllocatorState { return AllocatorState(a.state.Load()) }

// LiveBuffers returns the number of command buffers referencing the allocator.
func (a *CommandAllocator) LiveBuffers() int { return int(a.live.Load()) }

// CommandAllocatorPool recycles command allocators of one queue type.
//
// Obtain hands out an idle allocator or creates a new one. Allocators return
// to the pool only through CommandPayload.Finish, after the GPU is done with
// them, and are reset at that moment.
type CommandAllocatorPool struct {
	dev      driver.Device
	qt       QueueType
	validate bool

	mu        sync.Mutex
	available []*CommandAllocator
	created   int
}

func newCommandAllocatorPool(dev driver.Device, qt QueueType, validate bool) *CommandAllocatorPool {
	return &CommandAllocatorPool{dev: dev, qt: qt, validate: validate}
}

// Type returns the queue type of the pool.
func (p *CommandAllocatorPool) Type() QueueType { return p.qt }

// Obtain returns an idle allocator, creating one if the pool is empty.
// Construction failures are returned, not retried.
func (p *CommandAllocatorPool) Obtain() (*CommandAllocator, error) {
	p.mu.Lock()
	if n := len(p.available); n > 0 {
		a := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		p.mu.Unlock()
		a.state.Store(uint32(AllocatorInUse))
		return a, nil
	}
	p.mu.Unlock()

	a, err := p.create()
	if err != nil {
		return nil, err
	}
	a.state.Store(uint32(AllocatorInUse))
	return a, nil
}

func (p *CommandAllocatorPool) create() (*CommandAllocator, error) {
	native, err := p.dev.CreateCommandAllocator(p.qt)
	if err != nil {
		Logger().Warn("rhi: command allocator creation failed", "queue", p.qt, "err", err)
		return nil, fmt.Errorf("%w: %s command allocator: %w", ErrConstruction, p.qt, err)
	}

	p.mu.Lock()
	p.created++
	created := p.created
	p.mu.Unlock()

	Logger().Debug("rhi: command allocator created", "queue", p.qt, "total", created)
	return &CommandAllocator{native: native, pool: p}, nil
}

// Prewarm creates n idle allocators.
func (p *CommandAllocatorPool) Prewarm(n int) error {
	for range n {
		a, err := p.create()
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.available = append(p.available, a)
		p.mu.Unlock()
	}
	return nil
}

// recycle resets a submitted allocator whose SyncPoint has been reached and
// returns it to the pool. An allocator whose native reset fails is destroyed.
func (p *CommandAllocatorPool) recycle(a *CommandAllocator) error {
	if a.pool != p {
		return misuse(p.validate, "%s allocator recycled into %s pool", a.pool.qt, p.qt)
	}
	if s := a.State(); s != AllocatorSubmitted {
		return misuse(p.validate, "recycle of %s allocator in state %s", p.qt, s)
	}
	if n := a.live.Load(); n != 0 {
		return misuse(p.validate, "recycle of %s allocator with %d live command buffers", p.qt, n)
	}

	if err := a.native.Reset(); err != nil {
		Logger().Warn("rhi: command allocator reset failed, destroying", "queue", p.qt, "err", err)
		a.native.Destroy()
		a.state.Store(uint32(AllocatorIdle))
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil
	}

	a.state.Store(uint32(AllocatorIdle))
	p.mu.Lock()
	p.available = append(p.available, a)
	p.mu.Unlock()
	return nil
}

// Available returns the number of idle allocators.
func (p *CommandAllocatorPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Created returns the number of allocators the pool owns, idle or not.
func (p *CommandAllocatorPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// destroy releases every idle allocator. Allocators still out of the pool
// are reported and leaked.
func (p *CommandAllocatorPool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.available {
		a.native.Destroy()
	}
	if out := p.created - len(p.available); out > 0 {
		Logger().Warn("rhi: command allocators still in use at shutdown", "queue", p.qt, "count", out)
	}
	p.available = nil
	p.created = 0
}
