//go:build !nogpu

package wgpu

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/driver"
)

func newNoopDevice(t *testing.T) *Device {
	t.Helper()
	inst, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("noop backend exposed no adapters")
	}
	opened, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(opened.Device, opened.Queue, adapters[0].Info)
}

func TestDeviceInfo(t *testing.T) {
	d := newNoopDevice(t)
	info := d.Info()
	if info.Adapter.Name != "Noop Adapter" {
		t.Errorf("adapter name = %q, want %q", info.Adapter.Name, "Noop Adapter")
	}
	if info.Adapter.Type != gpucontext.AdapterTypeUnknown {
		t.Errorf("adapter type = %v, want %v", info.Adapter.Type, gpucontext.AdapterTypeUnknown)
	}
	if info.Backend != gputypes.BackendEmpty {
		t.Errorf("backend = %v, want %v", info.Backend, gputypes.BackendEmpty)
	}
}

func TestAdapterType(t *testing.T) {
	tests := []struct {
		in   gputypes.DeviceType
		want gpucontext.AdapterType
	}{
		{gputypes.DeviceTypeDiscreteGPU, gpucontext.AdapterTypeDiscrete},
		{gputypes.DeviceTypeIntegratedGPU, gpucontext.AdapterTypeIntegrated},
		{gputypes.DeviceTypeCPU, gpucontext.AdapterTypeSoftware},
		{gputypes.DeviceTypeVirtualGPU, gpucontext.AdapterTypeUnknown},
		{gputypes.DeviceTypeOther, gpucontext.AdapterTypeUnknown},
	}
	for _, tt := range tests {
		if got := adapterType(tt.in); got != tt.want {
			t.Errorf("adapterType(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFenceTracksSubmissions(t *testing.T) {
	d := newNoopDevice(t)
	q, _ := d.CreateQueue(driver.QueueGraphics)
	f, _ := d.CreateFence(0)

	a, err := d.CreateCommandAllocator(driver.QueueGraphics)
	if err != nil {
		t.Fatalf("CreateCommandAllocator: %v", err)
	}
	l, err := d.CreateCommandList(a, nil)
	if err != nil {
		t.Fatalf("CreateCommandList: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Submit([]driver.CommandList{l}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := q.Signal(f, 1); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	// The noop queue completes every submission immediately.
	got, err := f.CompletedValue()
	if err != nil || got != 1 {
		t.Errorf("CompletedValue() = %d, %v, want 1, nil", got, err)
	}
	ok, err := f.Wait(1, time.Second)
	if !ok || err != nil {
		t.Errorf("Wait(1) = %v, %v, want true, nil", ok, err)
	}
	ok, err = f.Wait(2, 5*time.Millisecond)
	if ok || err != nil {
		t.Errorf("Wait(2) = %v, %v, want false, nil", ok, err)
	}
}

func TestFenceNeverDecreases(t *testing.T) {
	d := newNoopDevice(t)
	q, _ := d.CreateQueue(driver.QueueCompute)
	f, _ := d.CreateFence(5)
	if err := q.Signal(f, 3); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got, _ := f.CompletedValue(); got != 5 {
		t.Errorf("CompletedValue() = %d, want 5", got)
	}
}

func TestTimestampFrequency(t *testing.T) {
	d := newNoopDevice(t)
	q, _ := d.CreateQueue(driver.QueueGraphics)
	freq, err := q.TimestampFrequency()
	if err != nil {
		t.Fatalf("TimestampFrequency: %v", err)
	}
	if freq != 1_000_000_000 {
		t.Errorf("TimestampFrequency() = %d, want 1e9", freq)
	}
}

func TestAllocatorSingleRecordingList(t *testing.T) {
	d := newNoopDevice(t)
	a, _ := d.CreateCommandAllocator(driver.QueueCopy)
	l, err := d.CreateCommandList(a, nil)
	if err != nil {
		t.Fatalf("CreateCommandList: %v", err)
	}
	if _, err := d.CreateCommandList(a, nil); !errors.Is(err, ErrEncoderBusy) {
		t.Errorf("second list on recording allocator: err = %v, want %v", err, ErrEncoderBusy)
	}
	if err := a.Reset(); !errors.Is(err, driver.ErrInUse) {
		t.Errorf("Reset while recording: err = %v, want %v", err, driver.ErrInUse)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("second Close: err = %v, want %v", err, ErrNotRecording)
	}
	if err := a.Reset(); err != nil {
		t.Errorf("Reset after close: %v", err)
	}
	if err := l.Reset(a, nil); err != nil {
		t.Errorf("list Reset: %v", err)
	}
	l.Destroy()
	a.Destroy()
	a.Destroy()
}

func TestListResetTypeMismatch(t *testing.T) {
	d := newNoopDevice(t)
	ga, _ := d.CreateCommandAllocator(driver.QueueGraphics)
	ca, _ := d.CreateCommandAllocator(driver.QueueCompute)
	l, _ := d.CreateCommandList(ga, nil)
	_ = l.Close()
	if err := l.Reset(ca, nil); err == nil {
		t.Error("Reset onto a compute allocator succeeded for a graphics list")
	}
}

func TestSubmitRejectsRecordingList(t *testing.T) {
	d := newNoopDevice(t)
	q, _ := d.CreateQueue(driver.QueueGraphics)
	a, _ := d.CreateCommandAllocator(driver.QueueGraphics)
	l, _ := d.CreateCommandList(a, nil)
	if err := q.Submit([]driver.CommandList{l}); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Submit of a recording list: err = %v, want %v", err, ErrNotRecording)
	}
}

func TestQueryHeaps(t *testing.T) {
	d := newNoopDevice(t)
	if _, err := d.CreateQueryHeap(driver.QueryOcclusion, 4); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("occlusion heap: err = %v, want %v", err, driver.ErrUnsupported)
	}
	// The noop backend has no timestamp support.
	if _, err := d.CreateQueryHeap(driver.QueryTimestamp, 4); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("timestamp heap: err = %v, want %v", err, driver.ErrUnsupported)
	}
}

func TestReadbackBufferMap(t *testing.T) {
	d := newNoopDevice(t)
	rb, err := d.CreateReadbackBuffer(64)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer: %v", err)
	}
	defer rb.Destroy()
	if rb.Size() != 64 {
		t.Errorf("Size() = %d, want 64", rb.Size())
	}
	data, err := rb.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(data) != 64 {
		t.Errorf("len(Map()) = %d, want 64", len(data))
	}
	if _, err := rb.Map(); err == nil {
		t.Error("second Map succeeded")
	}
	rb.Unmap()
	if _, err := rb.Map(); err != nil {
		t.Errorf("Map after Unmap: %v", err)
	}
}

func TestRHIDeviceOnNoop(t *testing.T) {
	d := newNoopDevice(t)
	dev, err := rhi.NewDevice(d)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	defer dev.Close()

	pool := dev.AllocatorPool(rhi.QueueGraphics)
	for frame := range 3 {
		ctx, err := dev.NewContext(rhi.QueueGraphics)
		if err != nil {
			t.Fatalf("NewContext: %v", err)
		}
		if err := ctx.Begin(); err != nil {
			t.Fatalf("frame %d: Begin: %v", frame, err)
		}
		sp, err := ctx.Flush(true)
		if err != nil {
			t.Fatalf("frame %d: Flush: %v", frame, err)
		}
		if !sp.IsReached() {
			t.Errorf("frame %d: %v not reached after waiting", frame, sp)
		}
	}
	if got := dev.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
	if got := pool.Created(); got != 1 {
		t.Errorf("allocators created = %d, want 1 (reused across frames)", got)
	}
}

func TestFromProviderWithoutHAL(t *testing.T) {
	_, err := FromProvider(fakeProvider{})
	if !errors.Is(err, ErrNoHALAccess) {
		t.Errorf("FromProvider: err = %v, want %v", err, ErrNoHALAccess)
	}
}

type fakeProvider struct{}

func (fakeProvider) Device() gpucontext.Device             { return struct{}{} }
func (fakeProvider) Queue() gpucontext.Queue               { return struct{}{} }
func (fakeProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }
func (fakeProvider) Adapter() gpucontext.Adapter           { return nil }
func (fakeProvider) AdapterInfo() gpucontext.AdapterInfo   { return gpucontext.AdapterInfo{} }

// anyProvider exposes HAL handles the way gogpu applications do.
type anyProvider struct {
	fakeProvider
	dev, queue any
}

func (p anyProvider) HalDevice() any { return p.dev }
func (p anyProvider) HalQueue() any  { return p.queue }

func TestFromProviderWithAnyHandles(t *testing.T) {
	base := newNoopDevice(t)
	hd, hq := base.HAL()

	d, err := FromProvider(anyProvider{dev: hd, queue: hq})
	if err != nil {
		t.Fatalf("FromProvider: %v", err)
	}
	if gd, gq := d.HAL(); gd != hd || gq != hq {
		t.Error("FromProvider did not keep the provider's HAL handles")
	}
	d.Destroy()

	if _, err := FromProvider(anyProvider{dev: hd}); !errors.Is(err, ErrNoHALAccess) {
		t.Errorf("FromProvider without queue: err = %v, want %v", err, ErrNoHALAccess)
	}
}

func TestUploadBuffer(t *testing.T) {
	d := newNoopDevice(t)
	b, err := d.CreateUploadBuffer(128)
	if err != nil {
		t.Fatalf("CreateUploadBuffer: %v", err)
	}
	if got := len(b.Bytes()); got != 128 {
		t.Fatalf("len(Bytes()) = %d, want 128", got)
	}
	b.Bytes()[127] = 0xAB
	if got := b.Bytes()[127]; got != 0xAB {
		t.Errorf("mapped byte = %#x, want 0xab", got)
	}
	if got := b.Size(); got != 128 {
		t.Errorf("Size() = %d, want 128", got)
	}
	b.Destroy()
	b.Destroy()
	if err := d.WaitIdle(); err != nil {
		t.Errorf("WaitIdle: %v", err)
	}
}
