package rhi

import (
	"errors"
	"fmt"
	"sync"
)

// PayloadState is the lifecycle state of a CommandPayload.
type PayloadState uint8

const (
	// PayloadOpen accepts command buffers, allocators, heaps and deletions.
	PayloadOpen PayloadState = iota
	// PayloadSubmitted waits for its SyncPoint.
	PayloadSubmitted
	// PayloadFinished has returned everything to the pools.
	PayloadFinished
	// PayloadFailed was submitted but its fence signal could not be
	// enqueued, so it has no SyncPoint. Device.Close reclaims it once the
	// native device is idle.
	PayloadFailed
)

// String returns the state name.
func (s PayloadState) String() string {
	switch s {
	case PayloadOpen:
		return "open"
	case PayloadSubmitted:
		return "submitted"
	case PayloadFinished:
		return "finished"
	case PayloadFailed:
		return "failed"
	default:
		return fmt.Sprintf("PayloadState(%d)", uint8(s))
	}
}

// CommandPayload is one unit of submission. It owns the command buffers,
// allocators, query heaps and upload memory the submission uses plus the
// objects to delete once it completes, and hands all of them back at
// Finish.
type CommandPayload struct {
	queue    *Queue
	validate bool

	mu         sync.Mutex
	state      PayloadState
	buffers    []*CommandBuffer
	allocators []*CommandAllocator
	uploads    []*UploadAllocator
	heaps      []*QueryHeap
	deletion   DeletionQueue
	syncPoint  SyncPoint
}

func newCommandPayload(q *Queue) *CommandPayload {
	return &CommandPayload{queue: q, validate: q.validate}
}

// Queue returns the queue the payload submits to.
func (p *CommandPayload) Queue() *Queue { return p.queue }

// State returns the lifecycle state.
func (p *CommandPayload) State() PayloadState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SyncPoint returns the SyncPoint assigned at Submit, or the zero value
// while open.
func (p *CommandPayload) SyncPoint() SyncPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncPoint
}

// QueryHeaps returns the heaps registered with the payload.
func (p *CommandPayload) QueryHeaps() []*QueryHeap {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*QueryHeap(nil), p.heaps...)
}

// checkOpen must be called with p.mu held.
func (p *CommandPayload) checkOpen(op string) error {
	if p.state != PayloadOpen {
		return misuse(p.validate, "%s on %s payload", op, p.state)
	}
	return nil
}

// DeferredDestroy queues obj for destruction once the payload's SyncPoint
// is reached. It is only accepted while the payload is open; a rejected
// object stays with the caller.
func (p *CommandPayload) DeferredDestroy(obj DeferredObject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpen("DeferredDestroy"); err != nil {
		return err
	}
	p.deletion.Enqueue(obj)
	return nil
}

// PendingDeletions returns the number of objects queued for destruction.
func (p *CommandPayload) PendingDeletions() int { return p.deletion.Len() }

// AddCommandBuffer adds a buffer to be executed by Submit.
func (p *CommandPayload) AddCommandBuffer(b *CommandBuffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpen("AddCommandBuffer"); err != nil {
		return err
	}
	if b.qt != p.queue.typ {
		return fmt.Errorf("%w: %s command buffer added to %s payload", ErrWrongQueue, b.qt, p.queue.typ)
	}
	p.buffers = append(p.buffers, b)
	return nil
}

// AddAllocator transfers an allocator to the payload.
func (p *CommandPayload) AddAllocator(a *CommandAllocator) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpen("AddAllocator"); err != nil {
		return err
	}
	if a.Type() != p.queue.typ {
		return fmt.Errorf("%w: %s allocator added to %s payload", ErrWrongQueue, a.Type(), p.queue.typ)
	}
	p.allocators = append(p.allocators, a)
	return nil
}

// AddUploadAllocator transfers an upload allocator to the payload. Its
// memory is rewound when the payload finishes.
func (p *CommandPayload) AddUploadAllocator(u *UploadAllocator) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpen("AddUploadAllocator"); err != nil {
		return err
	}
	if s := u.State(); s != AllocatorInUse || u.payload != nil {
		return misuse(p.validate, "upload allocator in state %s added to payload", s)
	}
	u.payload = p
	p.uploads = append(p.uploads, u)
	return nil
}

// AddQueryHeap transfers a query heap to the payload. Its results are read
// back during Finish.
func (p *CommandPayload) AddQueryHeap(h *QueryHeap) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpen("AddQueryHeap"); err != nil {
		return err
	}
	p.heaps = append(p.heaps, h)
	return nil
}

// IsEmpty reports whether the payload holds nothing at all.
func (p *CommandPayload) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isEmpty()
}

func (p *CommandPayload) isEmpty() bool {
	return len(p.buffers) == 0 && len(p.allocators) == 0 && len(p.uploads) == 0 &&
		len(p.heaps) == 0 && p.deletion.Len() == 0
}

// Submit executes the payload's command buffers and assigns its SyncPoint.
// A payload without command buffers only signals the fence, so deletions
// still get a SyncPoint. If wait is set Submit blocks until the SyncPoint is
// reached.
//
// If the buffers reach the GPU but the fence signal cannot be enqueued, the
// payload becomes PayloadFailed and an error wrapping ErrFenceFailed is
// returned.
func (p *CommandPayload) Submit(wait bool) (SyncPoint, error) {
	sp, err := p.submit()
	if err != nil || !wait {
		return sp, err
	}
	if err := p.queue.wait(sp); err != nil {
		return sp, err
	}
	return sp, nil
}

func (p *CommandPayload) submit() (SyncPoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpen("Submit"); err != nil {
		return SyncPoint{}, err
	}
	for _, a := range p.allocators {
		if s := a.State(); s != AllocatorInUse {
			return SyncPoint{}, misuse(p.validate, "payload submits %s allocator in state %s", a.Type(), s)
		}
	}
	for _, u := range p.uploads {
		if s := u.State(); s != AllocatorInUse {
			return SyncPoint{}, misuse(p.validate, "payload submits upload allocator in state %s", s)
		}
	}

	var (
		sp        SyncPoint
		submitted bool
		err       error
	)
	if len(p.buffers) > 0 {
		sp, submitted, err = p.queue.execute(p.buffers)
	} else {
		sp, err = p.queue.signal()
	}
	if err != nil && !submitted {
		return SyncPoint{}, err
	}

	for _, a := range p.allocators {
		a.state.Store(uint32(AllocatorSubmitted))
	}
	for _, u := range p.uploads {
		u.state.Store(uint32(AllocatorSubmitted))
	}
	if err != nil {
		p.state = PayloadFailed
		p.queue.addFailed(p)
		Logger().Warn("rhi: payload submitted without a fence signal", "queue", p.queue.typ, "err", err)
		return SyncPoint{}, fmt.Errorf("rhi: %s payload submitted without a SyncPoint: %w", p.queue.typ, err)
	}
	p.state = PayloadSubmitted
	p.syncPoint = sp
	return sp, nil
}

// finishEmpty closes an open payload that holds nothing.
func (p *CommandPayload) finishEmpty() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpen("SubmitCommands"); err != nil {
		return false, err
	}
	if !p.isEmpty() {
		return false, nil
	}
	p.state = PayloadFinished
	return true, nil
}

// Finish returns every owned object to reclamation once the SyncPoint has
// been reached. In order it processes the deletion queue, reads back and
// recycles query heaps, recycles command buffers, then recycles allocators
// and upload allocators.
func (p *CommandPayload) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PayloadSubmitted {
		return misuse(p.validate, "Finish on %s payload", p.state)
	}
	if !p.syncPoint.IsReached() {
		return misuse(p.validate, "Finish before %v was reached", p.syncPoint)
	}
	return p.release(true)
}

// abandon reclaims a failed payload. The caller guarantees the native
// device is idle. Query results are discarded.
func (p *CommandPayload) abandon() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PayloadFailed {
		return misuse(p.validate, "abandon of %s payload", p.state)
	}
	return p.release(false)
}

// release must be called with p.mu held.
func (p *CommandPayload) release(readback bool) error {
	deleted := p.deletion.ProcessItems()

	var errs []error
	for _, h := range p.heaps {
		if readback {
			if err := h.ReadBackResults(p.queue); err != nil {
				errs = append(errs, err)
			}
		} else {
			h.reset()
		}
		if err := h.pool.recycle(h); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range p.buffers {
		if err := b.pool.recycle(b); err != nil {
			errs = append(errs, err)
		}
	}
	for _, a := range p.allocators {
		if err := a.pool.recycle(a); err != nil {
			errs = append(errs, err)
		}
	}
	for _, u := range p.uploads {
		if err := u.pool.recycle(u); err != nil {
			errs = append(errs, err)
		}
	}

	Logger().Debug("rhi: payload finished",
		"sync", p.syncPoint.String(),
		"buffers", len(p.buffers),
		"allocators", len(p.allocators),
		"uploads", len(p.uploads),
		"heaps", len(p.heaps),
		"deleted", deleted)

	p.state = PayloadFinished
	p.buffers = nil
	p.allocators = nil
	p.uploads = nil
	p.heaps = nil
	return errors.Join(errs...)
}
