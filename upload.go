package rhi

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rhi/driver"
)

// UploadAllocation is CPU-writable upload memory. Data aliases Buffer at
// Offset and must not be written once the owning payload is submitted.
type UploadAllocation struct {
	Buffer driver.UploadBuffer
	Offset uint64
	Data   []byte
}

// UploadAllocator carves linear allocations out of one upload buffer on
// behalf of a single payload. The write offset goes back to zero only when
// the payload finishes, so memory the GPU may still read is never handed
// out twice.
//
// An UploadAllocator is owned by a single recording goroutine.
type UploadAllocator struct {
	pool    *UploadAllocatorPool
	state   atomic.Uint32
	buf     driver.UploadBuffer
	offset  uint64
	payload *CommandPayload
}

// State returns the lifecycle state. Upload allocators share the states of
// command allocators.
func (u *UploadAllocator) State() AllocatorState { return AllocatorState(u.state.Load()) }

// Size returns the size of the current upload buffer, 0 before the first
// allocation.
func (u *UploadAllocator) Size() uint64 {
	if u.buf == nil {
		return 0
	}
	return u.buf.Size()
}

// Used returns the bytes handed out from the current buffer.
func (u *UploadAllocator) Used() uint64 { return u.offset }

// Reserve makes sure the current buffer holds at least size bytes. A
// smaller buffer is replaced; if it already holds allocations it is
// destroyed through the payload's deletion queue.
func (u *UploadAllocator) Reserve(size uint64) error {
	if err := u.checkAttached("Reserve"); err != nil {
		return err
	}
	if size <= u.Size() {
		return nil
	}
	return u.replace(size)
}

// Allocate returns size bytes aligned to align, which must be a power of
// two (0 means 1). When the buffer is full a larger one replaces it.
func (u *UploadAllocator) Allocate(size, align uint64) (UploadAllocation, error) {
	if err := u.checkAttached("Allocate"); err != nil {
		return UploadAllocation{}, err
	}
	if size == 0 {
		return UploadAllocation{}, fmt.Errorf("rhi: zero-sized upload allocation")
	}
	if align == 0 {
		align = 1
	}
	if bits.OnesCount64(align) != 1 {
		return UploadAllocation{}, fmt.Errorf("rhi: upload alignment %d is not a power of two", align)
	}

	off := alignUp(u.offset, align)
	if u.buf == nil || off+size > u.buf.Size() {
		if err := u.replace(max(size, 2*u.Size())); err != nil {
			return UploadAllocation{}, err
		}
		off = 0
	}
	u.offset = off + size
	data := u.buf.Bytes()[off : off+size : off+size]
	return UploadAllocation{Buffer: u.buf, Offset: off, Data: data}, nil
}

func (u *UploadAllocator) checkAttached(op string) error {
	if s := u.State(); s != AllocatorInUse || u.payload == nil {
		return misuse(u.pool.validate, "%s on upload allocator in state %s without an open payload", op, s)
	}
	return nil
}

// replace retires the current buffer and creates one of at least size
// bytes, rounded up to the pool's chunk size.
func (u *UploadAllocator) replace(size uint64) error {
	if old := u.buf; old != nil {
		if u.offset > 0 {
			if err := u.payload.DeferredDestroy(DeferNative(old)); err != nil {
				return err
			}
		} else {
			old.Destroy()
		}
		u.buf = nil
		u.offset = 0
	}

	size = alignUp(max(size, u.pool.chunk), u.pool.chunk)
	buf, err := u.pool.dev.CreateUploadBuffer(size)
	if err != nil {
		Logger().Warn("rhi: upload buffer creation failed", "size", size, "err", err)
		return fmt.Errorf("%w: %d byte upload buffer: %w", ErrConstruction, size, err)
	}
	Logger().Debug("rhi: upload buffer created", "size", size)
	u.buf = buf
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// UploadAllocatorPool recycles upload allocators together with their
// buffers, so steady-state frames allocate no new upload memory.
type UploadAllocatorPool struct {
	dev      driver.Device
	chunk    uint64
	validate bool

	mu        sync.Mutex
	available []*UploadAllocator
	created   int
}

func newUploadAllocatorPool(dev driver.Device, chunk uint64, validate bool) *UploadAllocatorPool {
	return &UploadAllocatorPool{dev: dev, chunk: chunk, validate: validate}
}

// ChunkSize returns the granularity of upload buffer sizes.
func (p *UploadAllocatorPool) ChunkSize() uint64 { return p.chunk }

// Obtain returns an idle allocator, creating one if the pool is empty. Its
// buffer is created on first use.
func (p *UploadAllocatorPool) Obtain() *UploadAllocator {
	p.mu.Lock()
	defer p.mu.Unlock()
	var u *UploadAllocator
	if n := len(p.available); n > 0 {
		u = p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
	} else {
		u = &UploadAllocator{pool: p}
		p.created++
	}
	u.state.Store(uint32(AllocatorInUse))
	return u
}

// recycle rewinds an allocator whose payload has finished.
func (p *UploadAllocatorPool) recycle(u *UploadAllocator) error {
	if u.pool != p {
		return misuse(p.validate, "upload allocator recycled into a foreign pool")
	}
	if s := u.State(); s != AllocatorSubmitted {
		return misuse(p.validate, "recycle of upload allocator in state %s", s)
	}
	p.put(u)
	return nil
}

// put rewinds u and makes it available. The GPU must be done with it.
func (p *UploadAllocatorPool) put(u *UploadAllocator) {
	u.offset = 0
	u.payload = nil
	u.state.Store(uint32(AllocatorIdle))

	p.mu.Lock()
	p.available = append(p.available, u)
	p.mu.Unlock()
}

// Available returns the number of idle allocators.
func (p *UploadAllocatorPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Created returns the number of allocators the pool owns.
func (p *UploadAllocatorPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func (p *UploadAllocatorPool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.available {
		if u.buf != nil {
			u.buf.Destroy()
			u.buf = nil
		}
	}
	if out := p.created - len(p.available); out > 0 {
		Logger().Warn("rhi: upload allocators still in use at shutdown", "count", out)
	}
	p.available = nil
	p.created = 0
}
