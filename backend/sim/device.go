package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
)

func init() {
	driver.Register(driver.BackendSim, func() (driver.Device, error) {
		return New(), nil
	})
}

// Stats is a snapshot of device counters.
type Stats struct {
	// Live is the number of created objects not yet destroyed.
	// Queues are not counted.
	Live int

	// DoubleDestroys counts Destroy calls on already destroyed objects.
	DoubleDestroys int

	AllocatorsCreated    int
	ListsCreated         int
	QueryHeapsCreated    int
	UploadBuffersCreated int
	Submissions          uint64
	Signals              uint64
	AllocatorResets      uint64
}

// String returns a one-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("sim: live=%d allocators=%d lists=%d heaps=%d uploads=%d submits=%d signals=%d resets=%d",
		s.Live, s.AllocatorsCreated, s.ListsCreated, s.QueryHeapsCreated, s.UploadBuffersCreated,
		s.Submissions, s.Signals, s.AllocatorResets)
}

// work is one entry on the GPU timeline: either a batch of command lists or
// a fence signal.
type work struct {
	lists []*CommandList
	fence *Fence
	value uint64
}

// Device is a simulated GPU.
type Device struct {
	cfg config

	// mu guards the timeline and the state of every object the device created.
	mu       sync.Mutex
	timeline []work
	stats    Stats
	nextID   int
	closed   bool

	ticks atomic.Uint64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a simulated device.
func New(opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	d := &Device{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if !cfg.manual {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// run executes the timeline as work arrives.
func (d *Device) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for d.Pending() > 0 {
			if d.cfg.latency > 0 {
				select {
				case <-d.done:
					return
				case <-time.After(d.cfg.latency):
				}
			}
			d.Step()
		}
	}
}

// Step executes the oldest pending timeline entry. It reports whether
// there was anything to execute.
func (d *Device) Step() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.timeline) == 0 {
		return false
	}
	w := d.timeline[0]
	d.timeline[0] = work{}
	d.timeline = d.timeline[1:]
	d.execute(w)
	return true
}

// Flush executes every pending timeline entry and returns how many ran.
func (d *Device) Flush() int {
	n := 0
	for d.Step() {
		n++
	}
	return n
}

// Pending returns the number of timeline entries not yet executed.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timeline)
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Info implements driver.Device.
func (d *Device) Info() driver.Info {
	return driver.Info{
		Adapter: gpucontext.AdapterInfo{Name: d.cfg.name, Type: gpucontext.AdapterTypeSoftware},
		Backend: gputypes.BackendEmpty,
	}
}

// CreateQueue implements driver.Device.
func (d *Device) CreateQueue(t driver.QueueType) (driver.Queue, error) {
	if err := d.check(OpCreateQueue, t); err != nil {
		return nil, err
	}
	return &Queue{d: d, typ: t}, nil
}

// CreateFence implements driver.Device.
func (d *Device) CreateFence(initial uint64) (driver.Fence, error) {
	if err := d.check(OpCreateFence, driver.QueueGraphics); err != nil {
		return nil, err
	}
	return &Fence{d: d, id: d.track(nil), value: initial, changed: make(chan struct{})}, nil
}

// CreateCommandAllocator implements driver.Device.
func (d *Device) CreateCommandAllocator(t driver.QueueType) (driver.CommandAllocator, error) {
	if err := d.check(OpCreateAllocator, t); err != nil {
		return nil, err
	}
	return &CommandAllocator{d: d, id: d.track(&d.stats.AllocatorsCreated), typ: t}, nil
}

// CreateCommandList implements driver.Device.
func (d *Device) CreateCommandList(alloc driver.CommandAllocator, _ driver.PipelineState) (driver.CommandList, error) {
	a, ok := alloc.(*CommandAllocator)
	if !ok {
		return nil, fmt.Errorf("sim: foreign command allocator %T", alloc)
	}
	if err := d.check(OpCreateCommandList, a.typ); err != nil {
		return nil, err
	}
	l := &CommandList{d: d, id: d.track(&d.stats.ListsCreated), typ: a.typ}

	d.mu.Lock()
	defer d.mu.Unlock()
	l.begin(a)
	return l, nil
}

// CreateQueryHeap implements driver.Device.
func (d *Device) CreateQueryHeap(kind driver.QueryKind, count uint32) (driver.QueryHeap, error) {
	if err := d.check(OpCreateQueryHeap, driver.QueueGraphics); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("sim: query heap with zero capacity")
	}
	return &QueryHeap{
		d:      d,
		id:     d.track(&d.stats.QueryHeapsCreated),
		kind:   kind,
		values: make([]uint64, count),
	}, nil
}

// CreateReadbackBuffer implements driver.Device.
func (d *Device) CreateReadbackBuffer(size uint64) (driver.ReadbackBuffer, error) {
	if err := d.check(OpCreateReadback, driver.QueueGraphics); err != nil {
		return nil, err
	}
	return &ReadbackBuffer{d: d, id: d.track(nil), data: make([]byte, size)}, nil
}

// CreateUploadBuffer implements driver.Device.
func (d *Device) CreateUploadBuffer(size uint64) (driver.UploadBuffer, error) {
	if err := d.check(OpCreateUpload, driver.QueueGraphics); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("sim: upload buffer with zero size")
	}
	return &UploadBuffer{d: d, id: d.track(&d.stats.UploadBuffersCreated), data: make([]byte, size)}, nil
}

// WaitIdle implements driver.Device. In manual mode it executes the whole
// timeline, otherwise it waits for the executor to drain it.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("sim: wait idle: %w", driver.ErrDeviceLost)
	}
	if d.cfg.manual {
		d.Flush()
		return nil
	}
	for d.Pending() > 0 {
		time.Sleep(50 * time.Microsecond)
	}
	return nil
}

// Destroy stops the executor. Pending work is dropped.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	live := d.stats.Live
	dropped := len(d.timeline)
	d.timeline = nil
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()

	if live > 0 || dropped > 0 {
		slogger().Warn("sim: device destroyed with outstanding objects", "live", live, "dropped", dropped)
	}
}

// check runs the fault injector and rejects calls on a destroyed device.
func (d *Device) check(op Op, qt driver.QueueType) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("sim: %s: %w", op, driver.ErrDeviceLost)
	}
	if d.cfg.faults != nil {
		if err := d.cfg.faults(op, qt); err != nil {
			return fmt.Errorf("sim: %s: %w", op, err)
		}
	}
	return nil
}

// track registers a new live object and returns its id.
func (d *Device) track(created *int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.stats.Live++
	if created != nil {
		*created++
	}
	return d.nextID
}

// release marks an object destroyed. The caller must hold d.mu.
func (d *Device) release(destroyed *bool, what string, id int) bool {
	if *destroyed {
		d.stats.DoubleDestroys++
		slogger().Warn("sim: object destroyed twice", "object", what, "id", id)
		return false
	}
	*destroyed = true
	d.stats.Live--
	return true
}

func (d *Device) enqueue(w work) {
	d.mu.Lock()
	d.timeline = append(d.timeline, w)
	if w.fence != nil {
		d.stats.Signals++
	} else {
		d.stats.Submissions++
	}
	d.mu.Unlock()

	if !d.cfg.manual {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// execute runs one timeline entry. The caller must hold d.mu.
func (d *Device) execute(w work) {
	if w.fence != nil {
		w.fence.set(w.value)
		return
	}
	for _, l := range w.lists {
		l.execute()
		l.inFlight--
		l.submittedTo.inFlight--
	}
}

func (d *Device) tick() uint64 {
	if d.cfg.clock != nil {
		return d.cfg.clock()
	}
	return d.ticks.Add(1)
}

var (
	_ driver.Device           = (*Device)(nil)
	_ driver.Queue            = (*Queue)(nil)
	_ driver.Fence            = (*Fence)(nil)
	_ driver.CommandAllocator = (*CommandAllocator)(nil)
	_ driver.CommandList      = (*CommandList)(nil)
	_ driver.QueryHeap        = (*QueryHeap)(nil)
	_ driver.ReadbackBuffer   = (*ReadbackBuffer)(nil)
	_ driver.UploadBuffer     = (*UploadBuffer)(nil)
)
