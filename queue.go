package rhi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/rhi/driver"
)

// Queue submits command buffers to one native queue and tracks their
// completion with the queue's Fence.
//
// Submission is serialized by a per-queue mutex; recording and pool access
// are not.
type Queue struct {
	typ         QueueType
	native      driver.Queue
	fence       *Fence
	allocators  *CommandAllocatorPool
	buffers     *CommandBufferPool
	validate    bool
	waitTimeout time.Duration

	// mu serializes native submission with the matching fence signal.
	mu sync.Mutex

	freqMu    sync.Mutex
	freq      uint64
	freqKnown bool

	pendingMu sync.Mutex
	pending   []*CommandPayload

	// failedMu is never held together with pendingMu.
	failedMu sync.Mutex
	failed   []*CommandPayload
}

// Type returns the queue type.
func (q *Queue) Type() QueueType { return q.typ }

// Native returns the native queue.
func (q *Queue) Native() driver.Queue { return q.native }

// Fence returns the queue's fence.
func (q *Queue) Fence() *Fence { return q.fence }

// AllocatorPool returns the allocator pool for this queue type.
func (q *Queue) AllocatorPool() *CommandAllocatorPool { return q.allocators }

// NewPayload returns an empty open payload for this queue.
func (q *Queue) NewPayload() *CommandPayload { return newCommandPayload(q) }

// ObtainAllocator takes an allocator from the queue's pool.
func (q *Queue) ObtainAllocator() (*CommandAllocator, error) {
	return q.allocators.Obtain()
}

// ObtainCommandBuffer returns a command buffer recording into alloc with
// the given initial pipeline state.
func (q *Queue) ObtainCommandBuffer(alloc *CommandAllocator, initial driver.PipelineState) (*CommandBuffer, error) {
	if alloc.Type() != q.typ {
		return nil, fmt.Errorf("%w: %s allocator used with %s queue", ErrWrongQueue, alloc.Type(), q.typ)
	}
	return q.buffers.Obtain(alloc, initial)
}

// ExecuteCommandBuffer submits a single buffer. See ExecuteCommandBuffers.
func (q *Queue) ExecuteCommandBuffer(buf *CommandBuffer, wait bool) (SyncPoint, error) {
	return q.ExecuteCommandBuffers([]*CommandBuffer{buf}, wait)
}

// ExecuteCommandBuffers submits closed command buffers and signals the
// queue's fence. The returned SyncPoint is reached once the buffers have
// executed. If wait is set it blocks until then, returning ErrTimeout if
// the configured wait timeout elapses first.
//
// A failed fence signal is retried once. If the retry fails too the
// buffers stay submitted and the error wraps ErrFenceFailed; the caller
// must keep them alive until the device is idle.
func (q *Queue) ExecuteCommandBuffers(bufs []*CommandBuffer, wait bool) (SyncPoint, error) {
	sp, _, err := q.execute(bufs)
	if err != nil {
		return SyncPoint{}, err
	}
	if wait {
		if err := q.wait(sp); err != nil {
			return sp, err
		}
	}
	return sp, nil
}

// execute claims bufs, submits them and signals the fence. submitted
// reports whether the buffers reached the native queue, which is the case
// even when the returned error comes from the fence signal.
func (q *Queue) execute(bufs []*CommandBuffer) (sp SyncPoint, submitted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	natives := make([]driver.CommandList, len(bufs))
	for i, b := range bufs {
		if b.qt != q.typ {
			unclaim(bufs[:i])
			return SyncPoint{}, false, fmt.Errorf("%w: %s command buffer submitted to %s queue", ErrWrongQueue, b.qt, q.typ)
		}
		if !b.state.CompareAndSwap(uint32(BufferExecutable), uint32(BufferSubmitted)) {
			unclaim(bufs[:i])
			return SyncPoint{}, false, misuse(q.validate, "submit of %s command buffer in state %s", b.qt, b.State())
		}
		natives[i] = b.native
	}

	if len(natives) > 0 {
		if err := q.native.Submit(natives); err != nil {
			unclaim(bufs)
			return SyncPoint{}, false, fmt.Errorf("rhi: submit %d command buffers to %s queue: %w", len(natives), q.typ, err)
		}
	}
	submitted = len(natives) > 0

	v, err := q.fence.Signal()
	if err != nil && submitted {
		Logger().Warn("rhi: fence signal failed after submit, retrying", "queue", q.typ, "err", err)
		v, err = q.fence.Signal()
	}
	if err != nil {
		return SyncPoint{}, submitted, err
	}
	return SyncPoint{fence: q.fence, value: v}, submitted, nil
}

// unclaim returns claimed buffers to the executable state.
func unclaim(bufs []*CommandBuffer) {
	for _, b := range bufs {
		b.state.Store(uint32(BufferExecutable))
	}
}

// signal issues a fence signal with no work attached.
func (q *Queue) signal() (SyncPoint, error) {
	sp, _, err := q.execute(nil)
	return sp, err
}

func (q *Queue) wait(sp SyncPoint) error {
	ok, err := sp.Wait(q.waitTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s after %v", ErrTimeout, sp, q.waitTimeout)
	}
	return nil
}

// WaitIdle blocks until all work signaled so far has completed.
func (q *Queue) WaitIdle(timeout time.Duration) (bool, error) {
	return q.fence.WaitUntil(q.fence.LastSignaled(), timeout)
}

// TimestampFrequency returns the queue's timestamp ticks per second, or 0
// if the driver cannot report it. The value is cached after the first
// successful query.
func (q *Queue) TimestampFrequency() uint64 {
	q.freqMu.Lock()
	defer q.freqMu.Unlock()
	if q.freqKnown {
		return q.freq
	}
	f, err := q.native.TimestampFrequency()
	if err != nil {
		Logger().Warn("rhi: timestamp frequency unavailable", "queue", q.typ, "err", err)
		return 0
	}
	q.freq, q.freqKnown = f, true
	return f
}

func (q *Queue) enqueuePending(p *CommandPayload) {
	q.pendingMu.Lock()
	q.pending = append(q.pending, p)
	q.pendingMu.Unlock()
}

// PendingCount returns the number of submitted payloads not yet finished.
func (q *Queue) PendingCount() int {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	return len(q.pending)
}

// processPending finishes payloads in submission order while their
// SyncPoints are reached.
func (q *Queue) processPending() (int, error) {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()

	var (
		n    int
		errs []error
	)
	for len(q.pending) > 0 && q.pending[0].SyncPoint().IsReached() {
		p := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if err := p.Finish(); err != nil {
			errs = append(errs, err)
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (q *Queue) addFailed(p *CommandPayload) {
	q.failedMu.Lock()
	q.failed = append(q.failed, p)
	q.failedMu.Unlock()
}

// FailedCount returns the number of payloads that reached the GPU without a
// SyncPoint and are waiting for Device.Close.
func (q *Queue) FailedCount() int {
	q.failedMu.Lock()
	defer q.failedMu.Unlock()
	return len(q.failed)
}

func (q *Queue) takeFailed() []*CommandPayload {
	q.failedMu.Lock()
	defer q.failedMu.Unlock()
	f := q.failed
	q.failed = nil
	return f
}
