package rhi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/rhi/driver"
)

// QueryAllocation is one claimed query slot. Result receives the value
// when the owning payload finishes: nanoseconds for timestamps, passed
// samples for occlusion queries.
type QueryAllocation struct {
	Heap   *QueryHeap
	Index  uint32
	Result *uint64
}

// Valid reports whether the allocation succeeded.
func (a QueryAllocation) Valid() bool { return a.Heap != nil }

// QueryHeap is a fixed-capacity heap of GPU queries with a CPU-readable
// shadow buffer that receives resolved values.
//
// Slots are claimed with a lock-free cursor and are only handed out again
// after the heap has been read back and returned to its pool.
type QueryHeap struct {
	native   driver.QueryHeap
	readback driver.ReadbackBuffer
	pool     *QueryHeapPool
	capacity uint32

	cursor   atomic.Uint32
	resolved atomic.Uint32
	results  []*uint64 // indexed by slot
}

// Native returns the native query heap.
func (h *QueryHeap) Native() driver.QueryHeap { return h.native }

// Kind returns what the heap measures.
func (h *QueryHeap) Kind() QueryKind { return h.pool.kind }

// Capacity returns the number of slots.
func (h *QueryHeap) Capacity() uint32 { return h.capacity }

// Used returns the number of claimed slots.
func (h *QueryHeap) Used() uint32 { return min(h.cursor.Load(), h.capacity) }

// AllocateQueries claims the next free slot. The returned allocation is
// invalid when the heap is full.
func (h *QueryHeap) AllocateQueries(result *uint64) QueryAllocation {
	for {
		c := h.cursor.Load()
		if c >= h.capacity {
			return QueryAllocation{}
		}
		if h.cursor.CompareAndSwap(c, c+1) {
			h.results[c] = result
			return QueryAllocation{Heap: h, Index: c, Result: result}
		}
	}
}

// ResolveQueries records a copy of every claimed slot into the shadow
// buffer. It must be recorded into a command buffer that is submitted
// before the heap is read back.
func (h *QueryHeap) ResolveQueries(cmd *CommandBuffer) error {
	if s := cmd.State(); s != BufferRecording {
		return misuse(h.pool.validate, "query resolve recorded into command buffer in state %s", s)
	}
	n := h.Used()
	if n == 0 {
		return nil
	}
	cmd.native.ResolveQueries(h.native, 0, n, h.readback, 0)
	h.resolved.Store(n)
	return nil
}

// ReadBackResults copies resolved values into the allocations' result
// pointers and resets the heap for reuse. Timestamps are converted to
// nanoseconds with q's timestamp frequency. It must only be called after
// the SyncPoint of the submission containing the resolve was reached.
func (h *QueryHeap) ReadBackResults(q *Queue) error {
	defer h.reset()

	used := h.Used()
	if used == 0 {
		return nil
	}
	n := h.resolved.Load()
	if n < used {
		return misuse(h.pool.validate, "%s query heap read back with %d of %d queries resolved", h.Kind(), n, used)
	}

	var freq uint64
	if h.Kind() == QueryTimestamp {
		freq = q.TimestampFrequency()
		if freq == 0 {
			Logger().Warn("rhi: timestamp frequency unknown, reporting raw ticks", "queue", q.Type())
		}
	}

	data, err := h.readback.Map()
	if err != nil {
		return fmt.Errorf("rhi: map %s query readback: %w", h.Kind(), err)
	}
	defer h.readback.Unmap()

	if need := uint64(n) * driver.QueryResultSize; uint64(len(data)) < need {
		return fmt.Errorf("rhi: %s query readback holds %d bytes, need %d", h.Kind(), len(data), need)
	}
	for i := range n {
		dst := h.results[i]
		if dst == nil {
			continue
		}
		raw := binary.LittleEndian.Uint64(data[uint64(i)*driver.QueryResultSize:])
		if freq != 0 {
			raw = ticksToNanos(raw, freq)
		}
		*dst = raw
	}
	return nil
}

func (h *QueryHeap) reset() {
	for i := range h.results {
		h.results[i] = nil
	}
	h.resolved.Store(0)
	h.cursor.Store(0)
}

func (h *QueryHeap) destroy() {
	h.readback.Destroy()
	h.native.Destroy()
}

// ticksToNanos converts timestamp ticks at freq Hz to nanoseconds without
// intermediate rounding. Results that do not fit saturate.
func ticksToNanos(ticks, freq uint64) uint64 {
	hi, lo := bits.Mul64(ticks, uint64(time.Second))
	if hi >= freq {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, freq)
	return q
}

// QueryHeapPool recycles query heaps of one kind.
type QueryHeapPool struct {
	dev      driver.Device
	kind     QueryKind
	capacity uint32
	validate bool

	mu        sync.Mutex
	available []*QueryHeap
	created   int
}

func newQueryHeapPool(dev driver.Device, kind QueryKind, capacity uint32, validate bool) *QueryHeapPool {
	return &QueryHeapPool{dev: dev, kind: kind, capacity: capacity, validate: validate}
}

// Kind returns the kind of heap the pool hands out.
func (p *QueryHeapPool) Kind() QueryKind { return p.kind }

// Capacity returns the slot count of heaps created by the pool.
func (p *QueryHeapPool) Capacity() uint32 { return p.capacity }

// Obtain returns an empty heap, creating one with its readback buffer if
// none is idle.
func (p *QueryHeapPool) Obtain() (*QueryHeap, error) {
	p.mu.Lock()
	if n := len(p.available); n > 0 {
		h := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	native, err := p.dev.CreateQueryHeap(p.kind, p.capacity)
	if err != nil {
		Logger().Warn("rhi: query heap creation failed", "kind", p.kind, "err", err)
		return nil, fmt.Errorf("%w: %s query heap: %w", ErrConstruction, p.kind, err)
	}
	rb, err := p.dev.CreateReadbackBuffer(uint64(p.capacity) * driver.QueryResultSize)
	if err != nil {
		native.Destroy()
		Logger().Warn("rhi: query readback buffer creation failed", "kind", p.kind, "err", err)
		return nil, fmt.Errorf("%w: %s query readback buffer: %w", ErrConstruction, p.kind, err)
	}

	p.mu.Lock()
	p.created++
	created := p.created
	p.mu.Unlock()
	Logger().Debug("rhi: query heap created", "kind", p.kind, "capacity", p.capacity, "total", created)

	return &QueryHeap{
		native:   native,
		readback: rb,
		pool:     p,
		capacity: p.capacity,
		results:  make([]*uint64, p.capacity),
	}, nil
}

// recycle returns a heap that has been read back.
func (p *QueryHeapPool) recycle(h *QueryHeap) error {
	if h.pool != p {
		return misuse(p.validate, "query heap recycled into a foreign pool")
	}
	if used := h.cursor.Load(); used != 0 {
		return misuse(p.validate, "%s query heap recycled with %d queries not read back", p.kind, used)
	}
	p.mu.Lock()
	p.available = append(p.available, h)
	p.mu.Unlock()
	return nil
}

// Available returns the number of idle heaps.
func (p *QueryHeapPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Created returns the number of heaps the pool owns.
func (p *QueryHeapPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func (p *QueryHeapPool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.available {
		h.destroy()
	}
	if out := p.created - len(p.available); out > 0 {
		Logger().Warn("rhi: query heaps still in use at shutdown", "kind", p.kind, "count", out)
	}
	p.available = nil
	p.created = 0
}

// QueryAllocator hands out query slots for one payload. When the current
// heap fills up it obtains another from the pool and registers it with the
// payload, so exhaustion is never visible to callers.
//
// A QueryAllocator is owned by a single recording goroutine.
type QueryAllocator struct {
	pool    *QueryHeapPool
	payload *CommandPayload
	current *QueryHeap
}

// NewQueryAllocator returns an allocator drawing heaps from pool on behalf
// of payload.
func NewQueryAllocator(pool *QueryHeapPool, payload *CommandPayload) *QueryAllocator {
	return &QueryAllocator{pool: pool, payload: payload}
}

// Allocate claims a query slot whose value will be stored in result.
func (a *QueryAllocator) Allocate(result *uint64) (QueryAllocation, error) {
	if a.current != nil {
		if qa := a.current.AllocateQueries(result); qa.Valid() {
			return qa, nil
		}
	}
	h, err := a.pool.Obtain()
	if err != nil {
		return QueryAllocation{}, err
	}
	if err := a.payload.AddQueryHeap(h); err != nil {
		return QueryAllocation{}, errors.Join(err, a.pool.recycle(h))
	}
	a.current = h
	qa := h.AllocateQueries(result)
	if !qa.Valid() {
		return QueryAllocation{}, fmt.Errorf("rhi: fresh %s query heap has no free slot", a.pool.kind)
	}
	return qa, nil
}

// TimestampRange receives a pair of GPU timestamps in nanoseconds.
type TimestampRange struct {
	Begin uint64
	End   uint64
}

// Duration returns End-Begin, or 0 if the range is incomplete or inverted.
func (r TimestampRange) Duration() time.Duration {
	if r.End <= r.Begin {
		return 0
	}
	return time.Duration(r.End - r.Begin)
}
