package rhi

import (
	"errors"
	"fmt"

	"github.com/gogpu/rhi/driver"
)

// CommandContext records one submission at a time: it obtains an allocator
// and a command buffer, collects queries and deferred deletions into an open
// payload, and submits everything on Flush.
//
// A CommandContext is not safe for concurrent use. Use one per recording
// goroutine.
type CommandContext struct {
	dev     *Device
	queue   *Queue
	alloc   *CommandAllocator
	cmd     *CommandBuffer
	payload *CommandPayload
	upload  *UploadAllocator
	queries [NumQueryKinds]*QueryAllocator
}

// Queue returns the queue the context submits to.
func (c *CommandContext) Queue() *Queue { return c.queue }

// IsOpen reports whether Begin has been called since the last Flush.
func (c *CommandContext) IsOpen() bool { return c.cmd != nil }

// CommandBuffer returns the buffer being recorded, or nil if not open.
func (c *CommandContext) CommandBuffer() *CommandBuffer { return c.cmd }

// Native returns the native command list being recorded, or nil.
func (c *CommandContext) Native() driver.CommandList {
	if c.cmd == nil {
		return nil
	}
	return c.cmd.native
}

// Payload returns the open payload, or nil.
func (c *CommandContext) Payload() *CommandPayload { return c.payload }

func (c *CommandContext) ensurePayload() *CommandPayload {
	if c.payload == nil {
		c.payload = c.queue.NewPayload()
	}
	return c.payload
}

// Begin obtains an allocator and a command buffer and starts recording.
func (c *CommandContext) Begin() error {
	return c.BeginWithState(nil)
}

// BeginWithState is Begin with an initial pipeline state.
func (c *CommandContext) BeginWithState(initial driver.PipelineState) error {
	if c.cmd != nil {
		return misuse(c.queue.validate, "Begin on an open %s context", c.queue.typ)
	}
	p := c.ensurePayload()

	if c.alloc == nil {
		a, err := c.queue.ObtainAllocator()
		if err != nil {
			return err
		}
		if err := p.AddAllocator(a); err != nil {
			return err
		}
		c.alloc = a
	}
	b, err := c.queue.ObtainCommandBuffer(c.alloc, initial)
	if err != nil {
		return err
	}
	if err := p.AddCommandBuffer(b); err != nil {
		return err
	}
	c.cmd = b
	return nil
}

func (c *CommandContext) queryAllocator(kind QueryKind) *QueryAllocator {
	if c.queries[kind] == nil {
		c.queries[kind] = NewQueryAllocator(c.dev.QueryHeapPool(kind), c.payload)
	}
	return c.queries[kind]
}

// WriteTimestamp records a GPU timestamp. After the submission finishes,
// result holds the time in nanoseconds.
func (c *CommandContext) WriteTimestamp(result *uint64) error {
	if c.cmd == nil {
		return ErrContextNotOpen
	}
	a, err := c.queryAllocator(QueryTimestamp).Allocate(result)
	if err != nil {
		return err
	}
	c.cmd.native.WriteTimestamp(a.Heap.native, a.Index)
	return nil
}

// BeginTimestamp records the start of r.
func (c *CommandContext) BeginTimestamp(r *TimestampRange) error {
	return c.WriteTimestamp(&r.Begin)
}

// EndTimestamp records the end of r.
func (c *CommandContext) EndTimestamp(r *TimestampRange) error {
	return c.WriteTimestamp(&r.End)
}

// BeginOcclusion starts an occlusion query whose sample count is stored in
// result. Pass the returned allocation to EndOcclusion.
func (c *CommandContext) BeginOcclusion(result *uint64) (QueryAllocation, error) {
	if c.cmd == nil {
		return QueryAllocation{}, ErrContextNotOpen
	}
	a, err := c.queryAllocator(QueryOcclusion).Allocate(result)
	if err != nil {
		return QueryAllocation{}, err
	}
	c.cmd.native.BeginQuery(a.Heap.native, a.Index)
	return a, nil
}

// EndOcclusion ends a query started with BeginOcclusion.
func (c *CommandContext) EndOcclusion(a QueryAllocation) error {
	if c.cmd == nil {
		return ErrContextNotOpen
	}
	if !a.Valid() {
		return fmt.Errorf("rhi: EndOcclusion with invalid allocation")
	}
	c.cmd.native.EndQuery(a.Heap.native, a.Index)
	return nil
}

// DeferredDestroy queues obj for destruction once this context's next
// submission completes. It does not require Begin.
func (c *CommandContext) DeferredDestroy(obj DeferredObject) error {
	return c.ensurePayload().DeferredDestroy(obj)
}

// Upload returns size bytes of CPU-writable memory, aligned to align, that
// command lists in this submission can copy from. The memory is reused only
// after the submission completes.
func (c *CommandContext) Upload(size, align uint64) (UploadAllocation, error) {
	p := c.ensurePayload()
	if c.upload == nil {
		u := c.dev.UploadAllocatorPool().Obtain()
		if err := p.AddUploadAllocator(u); err != nil {
			c.dev.UploadAllocatorPool().put(u)
			return UploadAllocation{}, err
		}
		c.upload = u
	}
	return c.upload.Allocate(size, align)
}

// Flush resolves pending queries, closes the command buffer and submits the
// payload through Device.SubmitCommands. The context is idle afterwards.
// Flushing an idle context returns the zero SyncPoint.
func (c *CommandContext) Flush(wait bool) (SyncPoint, error) {
	if c.payload == nil {
		return SyncPoint{}, nil
	}
	if c.cmd != nil && c.cmd.State() == BufferRecording {
		var errs []error
		for _, h := range c.payload.QueryHeaps() {
			if err := h.ResolveQueries(c.cmd); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.cmd.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			return SyncPoint{}, err
		}
	}

	sp, err := c.dev.SubmitCommands(c.payload, wait)
	if err != nil && c.payload.State() == PayloadOpen {
		return SyncPoint{}, err
	}
	c.reset()
	return sp, err
}

func (c *CommandContext) reset() {
	c.alloc = nil
	c.cmd = nil
	c.payload = nil
	c.upload = nil
	c.queries = [NumQueryKinds]*QueryAllocator{}
}
