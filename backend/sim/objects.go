package sim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/rhi/driver"
)

// Fence is a simulated fence.
type Fence struct {
	d         *Device
	id        int
	destroyed bool // guarded by d.mu

	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

// CompletedValue implements driver.Fence.
func (f *Fence) CompletedValue() (uint64, error) {
	if err := f.d.check(OpFenceWait, driver.QueueGraphics); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, nil
}

// Wait implements driver.Fence.
func (f *Fence) Wait(value uint64, timeout time.Duration) (bool, error) {
	if err := f.d.check(OpFenceWait, driver.QueueGraphics); err != nil {
		return false, err
	}
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		f.mu.Lock()
		if f.value >= value {
			f.mu.Unlock()
			return true, nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return false, nil
		}
	}
}

// set advances the fence and wakes all waiters. Fence values never move
// backwards.
func (f *Fence) set(v uint64) {
	f.mu.Lock()
	if v > f.value {
		f.value = v
	}
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// Destroy implements driver.Resource.
func (f *Fence) Destroy() {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	f.d.release(&f.destroyed, "fence", f.id)
}

// CommandAllocator is a simulated command allocator.
type CommandAllocator struct {
	d   *Device
	id  int
	typ driver.QueueType

	// Guarded by d.mu.
	inFlight  int
	recording int
	destroyed bool
}

// Type implements driver.CommandAllocator.
func (a *CommandAllocator) Type() driver.QueueType { return a.typ }

// Reset implements driver.CommandAllocator. It fails with driver.ErrInUse
// while lists recorded into the allocator are executing or still recording.
func (a *CommandAllocator) Reset() error {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	switch {
	case a.destroyed:
		return fmt.Errorf("sim: reset destroyed allocator %d", a.id)
	case a.inFlight > 0:
		return fmt.Errorf("sim: reset allocator %d with %d lists in flight: %w", a.id, a.inFlight, driver.ErrInUse)
	case a.recording > 0:
		return fmt.Errorf("sim: reset allocator %d with %d lists recording: %w", a.id, a.recording, driver.ErrInUse)
	}
	a.d.stats.AllocatorResets++
	return nil
}

// Destroy implements driver.Resource.
func (a *CommandAllocator) Destroy() {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	if a.inFlight > 0 {
		slogger().Warn("sim: allocator destroyed while in flight", "id", a.id)
	}
	a.d.release(&a.destroyed, "command allocator", a.id)
}

type cmdKind uint8

const (
	cmdTimestamp cmdKind = iota
	cmdBeginQuery
	cmdEndQuery
	cmdResolve
)

type command struct {
	kind   cmdKind
	heap   *QueryHeap
	index  uint32
	count  uint32
	dst    *ReadbackBuffer
	offset uint64
}

// CommandList is a simulated command list.
type CommandList struct {
	d   *Device
	id  int
	typ driver.QueueType

	// Guarded by d.mu.
	alloc       *CommandAllocator
	submittedTo *CommandAllocator
	recording   bool
	inFlight    int
	destroyed   bool
	cmds        []command
}

// Type implements driver.CommandList.
func (l *CommandList) Type() driver.QueueType { return l.typ }

// Len returns the number of recorded commands.
func (l *CommandList) Len() int {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	return len(l.cmds)
}

func (l *CommandList) begin(a *CommandAllocator) {
	l.alloc = a
	a.recording++
	l.recording = true
	l.cmds = l.cmds[:0]
}

// Reset implements driver.CommandList.
func (l *CommandList) Reset(alloc driver.CommandAllocator, _ driver.PipelineState) error {
	a, ok := alloc.(*CommandAllocator)
	if !ok {
		return fmt.Errorf("sim: foreign command allocator %T", alloc)
	}

	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	switch {
	case l.destroyed:
		return fmt.Errorf("sim: reset destroyed command list %d", l.id)
	case l.inFlight > 0:
		return fmt.Errorf("sim: reset command list %d while in flight: %w", l.id, driver.ErrInUse)
	case l.recording:
		return fmt.Errorf("sim: reset command list %d that is still recording", l.id)
	case a.typ != l.typ:
		return fmt.Errorf("sim: reset %s command list %d into %s allocator", l.typ, l.id, a.typ)
	}
	l.begin(a)
	return nil
}

// Close implements driver.CommandList.
func (l *CommandList) Close() error {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if !l.recording {
		return fmt.Errorf("sim: close command list %d that is not recording", l.id)
	}
	l.recording = false
	l.alloc.recording--
	return nil
}

func (l *CommandList) record(c command) {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if !l.recording {
		slogger().Warn("sim: command recorded into closed list dropped", "id", l.id)
		return
	}
	l.cmds = append(l.cmds, c)
}

// WriteTimestamp implements driver.CommandList.
func (l *CommandList) WriteTimestamp(heap driver.QueryHeap, index uint32) {
	l.record(command{kind: cmdTimestamp, heap: heap.(*QueryHeap), index: index})
}

// BeginQuery implements driver.CommandList.
func (l *CommandList) BeginQuery(heap driver.QueryHeap, index uint32) {
	l.record(command{kind: cmdBeginQuery, heap: heap.(*QueryHeap), index: index})
}

// EndQuery implements driver.CommandList.
func (l *CommandList) EndQuery(heap driver.QueryHeap, index uint32) {
	l.record(command{kind: cmdEndQuery, heap: heap.(*QueryHeap), index: index})
}

// ResolveQueries implements driver.CommandList.
func (l *CommandList) ResolveQueries(heap driver.QueryHeap, first, count uint32, dst driver.ReadbackBuffer, off uint64) {
	l.record(command{
		kind:   cmdResolve,
		heap:   heap.(*QueryHeap),
		index:  first,
		count:  count,
		dst:    dst.(*ReadbackBuffer),
		offset: off,
	})
}

// execute runs the recorded commands. The caller must hold d.mu.
func (l *CommandList) execute() {
	for _, c := range l.cmds {
		switch c.kind {
		case cmdTimestamp:
			if c.index < uint32(len(c.heap.values)) {
				c.heap.values[c.index] = l.d.tick()
			}
		case cmdBeginQuery:
		case cmdEndQuery:
			if c.index < uint32(len(c.heap.values)) {
				c.heap.values[c.index] = l.d.cfg.samples
			}
		case cmdResolve:
			end := uint64(c.index) + uint64(c.count)
			size := c.offset + uint64(c.count)*driver.QueryResultSize
			if end > uint64(len(c.heap.values)) || size > uint64(len(c.dst.data)) {
				slogger().Warn("sim: out of range query resolve skipped",
					"heap", c.heap.id, "first", c.index, "count", c.count)
				continue
			}
			for i := uint32(0); i < c.count; i++ {
				off := c.offset + uint64(i)*driver.QueryResultSize
				binary.LittleEndian.PutUint64(c.dst.data[off:], c.heap.values[c.index+i])
			}
		}
	}
}

// Destroy implements driver.Resource.
func (l *CommandList) Destroy() {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if !l.d.release(&l.destroyed, "command list", l.id) {
		return
	}
	if l.recording {
		l.recording = false
		l.alloc.recording--
	}
}

// QueryHeap is a simulated query heap.
type QueryHeap struct {
	d         *Device
	id        int
	kind      driver.QueryKind
	values    []uint64 // guarded by d.mu
	destroyed bool
}

// Kind implements driver.QueryHeap.
func (h *QueryHeap) Kind() driver.QueryKind { return h.kind }

// Count implements driver.QueryHeap.
func (h *QueryHeap) Count() uint32 { return uint32(len(h.values)) }

// Destroy implements driver.Resource.
func (h *QueryHeap) Destroy() {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	h.d.release(&h.destroyed, "query heap", h.id)
}

// ReadbackBuffer is a simulated CPU-readable buffer.
type ReadbackBuffer struct {
	d         *Device
	id        int
	data      []byte
	mapped    bool
	destroyed bool
}

// Size implements driver.ReadbackBuffer.
func (b *ReadbackBuffer) Size() uint64 { return uint64(len(b.data)) }

// Map implements driver.ReadbackBuffer.
func (b *ReadbackBuffer) Map() ([]byte, error) {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if b.destroyed {
		return nil, fmt.Errorf("sim: map destroyed readback buffer %d", b.id)
	}
	if b.mapped {
		return nil, fmt.Errorf("sim: readback buffer %d already mapped", b.id)
	}
	b.mapped = true
	return b.data, nil
}

// Unmap implements driver.ReadbackBuffer.
func (b *ReadbackBuffer) Unmap() {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	b.mapped = false
}

// Destroy implements driver.Resource.
func (b *ReadbackBuffer) Destroy() {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	b.d.release(&b.destroyed, "readback buffer", b.id)
}

// UploadBuffer is simulated host-visible upload memory.
type UploadBuffer struct {
	d         *Device
	id        int
	data      []byte
	destroyed bool
}

// Size implements driver.UploadBuffer.
func (b *UploadBuffer) Size() uint64 { return uint64(len(b.data)) }

// Bytes implements driver.UploadBuffer.
func (b *UploadBuffer) Bytes() []byte { return b.data }

// Destroy implements driver.Resource.
func (b *UploadBuffer) Destroy() {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	b.d.release(&b.destroyed, "upload buffer", b.id)
}
