package rhi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/parallel"
)

// Device owns the queues, fences and pools built on one native device.
//
// A Device is safe for concurrent use. Recording goroutines each use their
// own CommandContext (or allocator and buffer pair); submission is
// serialized per queue.
type Device struct {
	native driver.Device
	cfg    Config

	queues     [NumQueueTypes]*Queue
	fences     FenceManager
	allocators [NumQueueTypes]*CommandAllocatorPool
	buffers    *CommandBufferPool
	queries    [NumQueryKinds]*QueryHeapPool
	uploads    *UploadAllocatorPool

	workersOnce sync.Once
	workers     *parallel.WorkerPool

	// immediateMu guards the immediate context used by DeferredDestroy.
	immediateMu sync.Mutex
	immediate   *CommandContext

	closed atomic.Bool
}

// Open opens a registered backend and creates a Device on it. An empty name
// uses Config.Backend, and if that is empty too, the best registered backend.
func Open(name string, opts ...Option) (*Device, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = cfg.Backend
	}
	native, err := driver.Open(name)
	if err != nil {
		return nil, fmt.Errorf("rhi: open backend: %w", err)
	}
	d, err := NewDevice(native, WithConfig(cfg))
	if err != nil {
		native.Destroy()
		return nil, err
	}
	return d, nil
}

// NewDevice builds a Device on native. Failure to create the graphics queue
// or its fence is fatal; compute and copy queues that fail are logged and
// reported as unavailable.
//
// The Device does not take ownership of native if NewDevice fails.
func NewDevice(native driver.Device, opts ...Option) (*Device, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	types, _ := cfg.queueTypes()

	d := &Device{
		native:  native,
		cfg:     cfg,
		buffers: newCommandBufferPool(native, cfg.Validation),
		uploads: newUploadAllocatorPool(native, cfg.UploadChunkSize, cfg.Validation),
	}
	for kind := range d.queries {
		d.queries[kind] = newQueryHeapPool(native, QueryKind(kind), cfg.QueryHeapCapacity, cfg.Validation)
	}

	for _, qt := range types {
		if err := d.createQueue(qt); err != nil {
			if qt == QueueGraphics {
				d.fences.destroy()
				return nil, err
			}
			Logger().Warn("rhi: queue unavailable", "queue", qt, "err", err)
		}
	}

	if cfg.PrewarmAllocators > 0 {
		if err := d.allocators[QueueGraphics].Prewarm(cfg.PrewarmAllocators); err != nil {
			Logger().Warn("rhi: allocator prewarm failed", "err", err)
		}
	}

	trackDevice(native)
	info := native.Info()
	Logger().Info("rhi: device opened",
		"adapter", info.Adapter.Name,
		"type", info.Adapter.Type.String(),
		"backend", info.Backend.String(),
		"queues", d.availableQueues())
	return d, nil
}

func (d *Device) createQueue(qt QueueType) error {
	nq, err := d.native.CreateQueue(qt)
	if err != nil {
		return fmt.Errorf("%w: %s queue: %w", ErrConstruction, qt, err)
	}
	nf, err := d.native.CreateFence(0)
	if err != nil {
		return fmt.Errorf("%w: %s fence: %w", ErrConstruction, qt, err)
	}

	f := newFence(qt, nf, nq)
	d.fences.fences[qt] = f
	d.allocators[qt] = newCommandAllocatorPool(d.native, qt, d.cfg.Validation)
	d.queues[qt] = &Queue{
		typ:         qt,
		native:      nq,
		fence:       f,
		allocators:  d.allocators[qt],
		buffers:     d.buffers,
		validate:    d.cfg.Validation,
		waitTimeout: d.cfg.Timeout(),
	}
	return nil
}

func (d *Device) availableQueues() []string {
	var names []string
	for _, q := range d.queues {
		if q != nil {
			names = append(names, q.typ.String())
		}
	}
	return names
}

// Native returns the native device.
func (d *Device) Native() driver.Device { return d.native }

// Info describes the native device.
func (d *Device) Info() driver.Info { return d.native.Info() }

// Config returns the configuration the device was created with.
func (d *Device) Config() Config { return d.cfg }

// Queue returns the queue of type qt.
func (d *Device) Queue(qt QueueType) (*Queue, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if int(qt) >= len(d.queues) || d.queues[qt] == nil {
		return nil, fmt.Errorf("%w: %s", ErrQueueUnavailable, qt)
	}
	return d.queues[qt], nil
}

// GraphicsQueue returns the primary queue, which always exists.
func (d *Device) GraphicsQueue() *Queue { return d.queues[QueueGraphics] }

// Fences returns the fence manager.
func (d *Device) Fences() *FenceManager { return &d.fences }

// AllocatorPool returns the allocator pool for qt, or nil if the queue is
// unavailable.
func (d *Device) AllocatorPool(qt QueueType) *CommandAllocatorPool {
	if int(qt) >= len(d.allocators) {
		return nil
	}
	return d.allocators[qt]
}

// CommandBufferPool returns the shared command buffer pool.
func (d *Device) CommandBufferPool() *CommandBufferPool { return d.buffers }

// QueryHeapPool returns the heap pool for kind.
func (d *Device) QueryHeapPool(kind QueryKind) *QueryHeapPool {
	if int(kind) >= len(d.queries) {
		return nil
	}
	return d.queries[kind]
}

// UploadAllocatorPool returns the shared upload allocator pool.
func (d *Device) UploadAllocatorPool() *UploadAllocatorPool { return d.uploads }

// NewPayload returns an open payload for queue qt.
func (d *Device) NewPayload(qt QueueType) (*CommandPayload, error) {
	q, err := d.Queue(qt)
	if err != nil {
		return nil, err
	}
	return q.NewPayload(), nil
}

// SubmitCommands submits p and queues it for reclamation by
// ProcessPendingCommands. An empty payload is finished immediately and the
// zero SyncPoint is returned. With wait set, SubmitCommands blocks until
// the payload completes and reclaims finished payloads of its queue.
func (d *Device) SubmitCommands(p *CommandPayload, wait bool) (SyncPoint, error) {
	if d.closed.Load() {
		return SyncPoint{}, ErrDeviceClosed
	}
	if done, err := p.finishEmpty(); err != nil || done {
		return SyncPoint{}, err
	}

	sp, err := p.Submit(false)
	if err != nil {
		return SyncPoint{}, err
	}
	p.queue.enqueuePending(p)

	if wait {
		if err := p.queue.wait(sp); err != nil {
			return sp, err
		}
		if _, err := p.queue.processPending(); err != nil {
			return sp, err
		}
	}
	return sp, nil
}

// ProcessPendingCommands finishes, in submission order, every pending
// payload whose SyncPoint has been reached and returns how many finished.
// Call it regularly, typically once per frame.
func (d *Device) ProcessPendingCommands() (int, error) {
	var (
		total int
		errs  []error
	)
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		n, err := q.processPending()
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// PendingCount returns the number of submitted payloads not yet finished.
func (d *Device) PendingCount() int {
	n := 0
	for _, q := range d.queues {
		if q != nil {
			n += q.PendingCount()
		}
	}
	return n
}

// DeferredDestroy schedules obj for destruction after all graphics work
// submitted up to the next flush of the immediate context has completed.
func (d *Device) DeferredDestroy(obj DeferredObject) error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	d.immediateMu.Lock()
	defer d.immediateMu.Unlock()
	ctx, err := d.immediateContext()
	if err != nil {
		return err
	}
	return ctx.DeferredDestroy(obj)
}

// FlushImmediate submits the immediate context, which carries deletions
// queued with DeferredDestroy.
func (d *Device) FlushImmediate(wait bool) (SyncPoint, error) {
	d.immediateMu.Lock()
	defer d.immediateMu.Unlock()
	if d.immediate == nil {
		return SyncPoint{}, nil
	}
	return d.immediate.Flush(wait)
}

func (d *Device) immediateContext() (*CommandContext, error) {
	if d.immediate == nil {
		ctx, err := d.NewContext(QueueGraphics)
		if err != nil {
			return nil, err
		}
		d.immediate = ctx
	}
	return d.immediate, nil
}

// NewContext returns an idle command context for queue qt.
func (d *Device) NewContext(qt QueueType) (*CommandContext, error) {
	q, err := d.Queue(qt)
	if err != nil {
		return nil, err
	}
	return &CommandContext{dev: d, queue: q}, nil
}

// RecordFunc records into the context for job index.
type RecordFunc func(index int, ctx *CommandContext) error

// RecordParallel records n command contexts concurrently on the device's
// worker pool and submits them in index order. It returns the SyncPoint of
// the last submission. Contexts whose record function failed are still
// submitted so their resources return to the pools.
func (d *Device) RecordParallel(qt QueueType, n int, record RecordFunc) (SyncPoint, error) {
	if n <= 0 {
		return SyncPoint{}, nil
	}
	ctxs := make([]*CommandContext, n)
	for i := range ctxs {
		ctx, err := d.NewContext(qt)
		if err != nil {
			return SyncPoint{}, err
		}
		ctxs[i] = ctx
	}

	jobs := make([]parallel.Job, n)
	for i := range jobs {
		jobs[i] = func(index int) error {
			ctx := ctxs[index]
			if err := ctx.Begin(); err != nil {
				return err
			}
			return record(index, ctx)
		}
	}
	recordErr := d.workerPool().ExecuteAll(jobs)

	var (
		last SyncPoint
		errs = []error{recordErr}
	)
	for _, ctx := range ctxs {
		sp, err := ctx.Flush(false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !sp.IsZero() {
			last = sp
		}
	}
	return last, errors.Join(errs...)
}

func (d *Device) workerPool() *parallel.WorkerPool {
	d.workersOnce.Do(func() {
		d.workers = parallel.NewWorkerPool(d.cfg.Workers)
	})
	return d.workers
}

// WaitIdle waits for every queue to finish the work signaled so far.
func (d *Device) WaitIdle(timeout time.Duration) error {
	var g errgroup.Group
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		g.Go(func() error {
			ok, err := q.WaitIdle(timeout)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s queue idle after %v", ErrTimeout, q.typ, timeout)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close flushes the immediate context, waits for every queue, finishes all
// pending payloads and destroys the pools and the native device. Close is
// safe to call more than once.
func (d *Device) Close() error {
	if d.closed.Load() {
		return nil
	}

	var errs []error
	if _, err := d.FlushImmediate(false); err != nil {
		errs = append(errs, err)
	}
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := d.WaitIdle(d.cfg.Timeout()); err != nil {
		errs = append(errs, err)
	}
	for d.PendingCount() > 0 {
		n, err := d.ProcessPendingCommands()
		if err != nil {
			errs = append(errs, err)
		}
		if n == 0 {
			Logger().Warn("rhi: payloads still pending at shutdown", "count", d.PendingCount())
			break
		}
	}
	if err := d.reclaimFailed(); err != nil {
		errs = append(errs, err)
	}

	d.workersOnce.Do(func() {})
	if d.workers != nil {
		d.workers.Close()
	}
	for _, p := range d.allocators {
		if p != nil {
			p.destroy()
		}
	}
	d.buffers.destroy()
	d.uploads.destroy()
	for _, p := range d.queries {
		p.destroy()
	}
	d.fences.destroy()

	untrackDevice(d.native)
	d.native.Destroy()
	Logger().Info("rhi: device closed")
	return errors.Join(errs...)
}

// reclaimFailed releases payloads whose fence signal was lost. They have no
// SyncPoint, so the native device must be idle first; if it cannot be
// confirmed idle their resources are leaked rather than freed early.
func (d *Device) reclaimFailed() error {
	var failed []*CommandPayload
	for _, q := range d.queues {
		if q != nil {
			failed = append(failed, q.takeFailed()...)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if err := d.native.WaitIdle(); err != nil {
		Logger().Error("rhi: leaking failed payloads, device not idle", "count", len(failed), "err", err)
		return fmt.Errorf("rhi: reclaim %d failed payloads: %w", len(failed), err)
	}

	var errs []error
	for _, p := range failed {
		if err := p.abandon(); err != nil {
			errs = append(errs, err)
		}
	}
	Logger().Info("rhi: failed payloads reclaimed", "count", len(failed))
	return errors.Join(errs...)
}
