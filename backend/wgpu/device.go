//go:build !nogpu

package wgpu

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/driver"
)

func init() {
	driver.Register(driver.BackendWGPU, func() (driver.Device, error) {
		return Open()
	})
}

// backendPriority is the order Open tries HAL backends in.
var backendPriority = []gputypes.Backend{
	gputypes.BackendVulkan,
	gputypes.BackendMetal,
	gputypes.BackendDX12,
	gputypes.BackendGL,
	gputypes.BackendEmpty,
}

// Device adapts a HAL device and its queue to driver.Device.
type Device struct {
	hal   hal.Device
	queue hal.Queue
	info  driver.Info

	// instance and owned are set when the Device opened the HAL device
	// itself and must destroy it.
	instance hal.Instance
	owned    bool

	// submitMu serializes HAL queue access and guards lastIndex.
	submitMu  sync.Mutex
	lastIndex uint64
}

// New wraps an opened HAL device. The caller keeps ownership of dev.
func New(dev hal.Device, queue hal.Queue, info gputypes.AdapterInfo) *Device {
	return &Device{
		hal:   dev,
		queue: queue,
		info: driver.Info{
			Adapter: gpucontext.AdapterInfo{Name: info.Name, Type: adapterType(info.DeviceType)},
			Backend: info.Backend,
		},
	}
}

// halProvider is implemented by *wgpu.Device.
type halProvider interface {
	HalDevice() hal.Device
	HalQueue() hal.Queue
}

// anyHALProvider is implemented by gogpu application providers.
type anyHALProvider interface {
	HalDevice() any
	HalQueue() any
}

// FromProvider wraps the device of a gpucontext.DeviceProvider, such as a
// gogpu application window. The provider keeps ownership of the device.
//
// The HAL handles are taken from the provider itself when it exposes
// HalDevice and HalQueue, otherwise from its Device.
func FromProvider(p gpucontext.DeviceProvider) (*Device, error) {
	dev, queue, err := halHandles(p)
	if err != nil {
		return nil, err
	}
	return &Device{
		hal:   dev,
		queue: queue,
		info:  driver.Info{Adapter: p.AdapterInfo(), Backend: gputypes.BackendEmpty},
	}, nil
}

func halHandles(p gpucontext.DeviceProvider) (hal.Device, hal.Queue, error) {
	var (
		dev   hal.Device
		queue hal.Queue
	)
	switch hp := any(p).(type) {
	case anyHALProvider:
		dev, _ = hp.HalDevice().(hal.Device)
		queue, _ = hp.HalQueue().(hal.Queue)
	default:
		tp, ok := p.Device().(halProvider)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %T", ErrNoHALAccess, p.Device())
		}
		dev, queue = tp.HalDevice(), tp.HalQueue()
	}
	if dev == nil || queue == nil {
		return nil, nil, fmt.Errorf("%w: device released", ErrNoHALAccess)
	}
	return dev, queue, nil
}

// Open opens the first adapter of the highest priority registered HAL backend.
func Open() (*Device, error) {
	var errs []error
	for _, variant := range backendPriority {
		if _, ok := hal.GetBackend(variant); !ok {
			continue
		}
		d, err := OpenBackend(variant)
		if err == nil {
			return d, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoAdapter
	}
	return nil, errors.Join(append([]error{ErrNoAdapter}, errs...)...)
}

// OpenBackend opens the preferred adapter of one HAL backend. Discrete
// adapters are preferred; timestamp queries are enabled when supported.
func OpenBackend(variant gputypes.Backend) (*Device, error) {
	backend, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("%w: HAL backend %s not linked", ErrNoAdapter, variant)
	}
	inst, err := backend.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create %s instance: %w", variant, err)
	}
	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		inst.Destroy()
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, variant)
	}
	exposed := adapters[0]
	for _, a := range adapters {
		if a.Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			exposed = a
			break
		}
	}

	var features gputypes.Features
	if exposed.Features.Contains(gputypes.FeatureTimestampQuery) {
		features.Insert(gputypes.FeatureTimestampQuery)
	}
	opened, err := exposed.Adapter.Open(features, gputypes.DefaultLimits())
	if err != nil {
		inst.Destroy()
		return nil, fmt.Errorf("wgpu: open %s adapter %q: %w", variant, exposed.Info.Name, err)
	}

	info := exposed.Info
	info.Backend = variant
	d := New(opened.Device, opened.Queue, info)
	d.instance = inst
	d.owned = true
	slogger().Info("wgpu: device opened", "adapter", info.Name, "backend", variant.String(),
		"timestamps", features.Contains(gputypes.FeatureTimestampQuery))
	return d, nil
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}

// HAL returns the wrapped HAL device and queue.
func (d *Device) HAL() (hal.Device, hal.Queue) { return d.hal, d.queue }

// Info implements driver.Device.
func (d *Device) Info() driver.Info { return d.info }

// CreateQueue implements driver.Device. Every queue type shares the single
// HAL queue, which executes graphics, compute and copy work.
func (d *Device) CreateQueue(t driver.QueueType) (driver.Queue, error) {
	return &Queue{d: d, typ: t}, nil
}

// CreateFence implements driver.Device.
func (d *Device) CreateFence(initial uint64) (driver.Fence, error) {
	return &Fence{d: d, value: initial}, nil
}

// CreateCommandAllocator implements driver.Device.
func (d *Device) CreateCommandAllocator(t driver.QueueType) (driver.CommandAllocator, error) {
	enc, err := d.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "rhi-" + t.String()})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	return &CommandAllocator{d: d, typ: t, enc: enc}, nil
}

// CreateCommandList implements driver.Device.
func (d *Device) CreateCommandList(alloc driver.CommandAllocator, _ driver.PipelineState) (driver.CommandList, error) {
	a, ok := alloc.(*CommandAllocator)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign command allocator %T", alloc)
	}
	l := &CommandList{d: d, typ: a.typ}
	if err := l.begin(a); err != nil {
		return nil, err
	}
	return l, nil
}

// CreateQueryHeap implements driver.Device.
func (d *Device) CreateQueryHeap(kind driver.QueryKind, count uint32) (driver.QueryHeap, error) {
	if kind != driver.QueryTimestamp {
		return nil, fmt.Errorf("wgpu: %s queries: %w", kind, driver.ErrUnsupported)
	}
	set, err := d.hal.CreateQuerySet(&hal.QuerySetDescriptor{
		Label: "rhi-timestamps",
		Type:  hal.QueryTypeTimestamp,
		Count: count,
	})
	if err != nil {
		if errors.Is(err, hal.ErrTimestampsNotSupported) {
			return nil, fmt.Errorf("wgpu: %w: %w", driver.ErrUnsupported, err)
		}
		return nil, fmt.Errorf("wgpu: create query set: %w", err)
	}
	return &QueryHeap{d: d, set: set, kind: kind, count: count}, nil
}

// CreateReadbackBuffer implements driver.Device. Query results are resolved
// into a GPU-side buffer and copied into a mappable staging buffer.
func (d *Device) CreateReadbackBuffer(size uint64) (driver.ReadbackBuffer, error) {
	resolve, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: "rhi-query-resolve",
		Size:  size,
		Usage: gputypes.BufferUsageQueryResolve | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create resolve buffer: %w", err)
	}
	staging, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: "rhi-query-readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		d.hal.DestroyBuffer(resolve)
		return nil, fmt.Errorf("wgpu: create readback buffer: %w", err)
	}
	return &ReadbackBuffer{d: d, resolve: resolve, staging: staging, size: size}, nil
}

// CreateUploadBuffer implements driver.Device. The buffer stays mapped
// until it is destroyed.
func (d *Device) CreateUploadBuffer(size uint64) (driver.UploadBuffer, error) {
	buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: "rhi-upload",
		Size:  size,
		Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create upload buffer: %w", err)
	}
	m, err := d.hal.MapBuffer(buf, 0, size)
	if err != nil {
		d.hal.DestroyBuffer(buf)
		return nil, fmt.Errorf("wgpu: map upload buffer: %w", err)
	}
	if m.Ptr == nil {
		_ = d.hal.UnmapBuffer(buf)
		d.hal.DestroyBuffer(buf)
		return nil, fmt.Errorf("wgpu: map upload buffer: nil mapping")
	}
	return &UploadBuffer{d: d, buf: buf, data: unsafe.Slice((*byte)(m.Ptr), size)}, nil
}

// WaitIdle implements driver.Device.
func (d *Device) WaitIdle() error {
	if err := d.hal.WaitIdle(); err != nil {
		return fmt.Errorf("wgpu: wait idle: %w", err)
	}
	return nil
}

// Destroy implements driver.Device. A device obtained from New or
// FromProvider is left to its owner.
func (d *Device) Destroy() {
	if !d.owned {
		return
	}
	if err := d.hal.WaitIdle(); err != nil {
		slogger().Warn("wgpu: wait idle before destroy failed", "err", err)
	}
	d.hal.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
	d.owned = false
}

// submit sends buffers to the HAL queue and records the submission index.
func (d *Device) submit(bufs []hal.CommandBuffer) (uint64, error) {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	idx, err := d.queue.Submit(bufs)
	if err != nil {
		return 0, err
	}
	d.lastIndex = max(d.lastIndex, idx)
	return idx, nil
}

func (d *Device) lastSubmission() uint64 {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	return d.lastIndex
}

func (d *Device) completed() uint64 {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	return d.queue.PollCompleted()
}

// timestampFrequency converts the HAL period in nanoseconds per tick.
func (d *Device) timestampFrequency() (uint64, error) {
	period := d.queue.GetTimestampPeriod()
	if period <= 0 || math.IsNaN(float64(period)) {
		return 0, fmt.Errorf("wgpu: invalid timestamp period %v: %w", period, driver.ErrUnsupported)
	}
	return uint64(math.Round(1e9 / float64(period))), nil
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
