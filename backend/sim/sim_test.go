package sim

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/rhi/driver"
)

func newManual(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d := New(append([]Option{WithManualCompletion()}, opts...)...)
	t.Cleanup(d.Destroy)
	return d
}

func mustQueue(t *testing.T, d *Device, qt driver.QueueType) driver.Queue {
	t.Helper()
	q, err := d.CreateQueue(qt)
	if err != nil {
		t.Fatalf("CreateQueue(%s): %v", qt, err)
	}
	return q
}

func TestFence_SignalOrder(t *testing.T) {
	d := newManual(t)
	q := mustQueue(t, d, driver.QueueGraphics)
	f, err := d.CreateFence(0)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Signal(f, 1); err != nil {
		t.Fatal(err)
	}
	if err := q.Signal(f, 2); err != nil {
		t.Fatal(err)
	}

	if v, _ := f.CompletedValue(); v != 0 {
		t.Fatalf("CompletedValue before Step = %d, want 0", v)
	}
	d.Step()
	if v, _ := f.CompletedValue(); v != 1 {
		t.Errorf("CompletedValue after one Step = %d, want 1", v)
	}
	d.Flush()
	if v, _ := f.CompletedValue(); v != 2 {
		t.Errorf("CompletedValue after Flush = %d, want 2", v)
	}
}

func TestFence_NeverMovesBackwards(t *testing.T) {
	d := newManual(t)
	q := mustQueue(t, d, driver.QueueGraphics)
	f, _ := d.CreateFence(5)

	_ = q.Signal(f, 3)
	d.Flush()
	if v, _ := f.CompletedValue(); v != 5 {
		t.Errorf("CompletedValue = %d, want 5", v)
	}
}

func TestFence_WaitTimeout(t *testing.T) {
	d := newManual(t)
	f, _ := d.CreateFence(0)

	ok, err := f.Wait(1, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Wait reported success for unsignaled value")
	}
}

func TestFence_WaitWakesOnSignal(t *testing.T) {
	d := New()
	t.Cleanup(d.Destroy)
	q := mustQueue(t, d, driver.QueueGraphics)
	f, _ := d.CreateFence(0)

	if err := q.Signal(f, 7); err != nil {
		t.Fatal(err)
	}
	ok, err := f.Wait(7, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("Wait = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestAllocator_ResetWhileInFlight(t *testing.T) {
	d := newManual(t)
	q := mustQueue(t, d, driver.QueueGraphics)
	a, _ := d.CreateCommandAllocator(driver.QueueGraphics)
	l, _ := d.CreateCommandList(a, nil)

	if err := a.Reset(); !errors.Is(err, driver.ErrInUse) {
		t.Errorf("Reset while recording = %v, want ErrInUse", err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := q.Submit([]driver.CommandList{l}); err != nil {
		t.Fatal(err)
	}
	if err := a.Reset(); !errors.Is(err, driver.ErrInUse) {
		t.Errorf("Reset while in flight = %v, want ErrInUse", err)
	}
	if err := l.Reset(a, nil); !errors.Is(err, driver.ErrInUse) {
		t.Errorf("list Reset while in flight = %v, want ErrInUse", err)
	}

	d.Flush()
	if err := a.Reset(); err != nil {
		t.Errorf("Reset after completion: %v", err)
	}
	if err := l.Reset(a, nil); err != nil {
		t.Errorf("list Reset after completion: %v", err)
	}
}

func TestQueue_SubmitValidation(t *testing.T) {
	d := newManual(t)
	gfx := mustQueue(t, d, driver.QueueGraphics)
	cpy := mustQueue(t, d, driver.QueueCopy)
	a, _ := d.CreateCommandAllocator(driver.QueueGraphics)
	l, _ := d.CreateCommandList(a, nil)

	if err := gfx.Submit([]driver.CommandList{l}); err == nil {
		t.Error("Submit of a recording list succeeded")
	}
	_ = l.Close()
	if err := cpy.Submit([]driver.CommandList{l}); err == nil {
		t.Error("Submit of a graphics list to the copy queue succeeded")
	}
	if err := gfx.Submit([]driver.CommandList{l}); err != nil {
		t.Errorf("Submit: %v", err)
	}
}

func TestQueries_TimestampResolve(t *testing.T) {
	var now uint64 = 100
	d := newManual(t, WithClock(func() uint64 { now += 50; return now }))
	q := mustQueue(t, d, driver.QueueGraphics)
	a, _ := d.CreateCommandAllocator(driver.QueueGraphics)
	l, _ := d.CreateCommandList(a, nil)
	heap, _ := d.CreateQueryHeap(driver.QueryTimestamp, 4)
	rb, _ := d.CreateReadbackBuffer(4 * driver.QueryResultSize)

	l.WriteTimestamp(heap, 0)
	l.WriteTimestamp(heap, 1)
	l.ResolveQueries(heap, 0, 2, rb, 0)
	_ = l.Close()
	_ = q.Submit([]driver.CommandList{l})
	d.Flush()

	data, err := rb.Map()
	if err != nil {
		t.Fatal(err)
	}
	defer rb.Unmap()
	if got := binary.LittleEndian.Uint64(data[0:]); got != 150 {
		t.Errorf("slot 0 = %d, want 150", got)
	}
	if got := binary.LittleEndian.Uint64(data[8:]); got != 200 {
		t.Errorf("slot 1 = %d, want 200", got)
	}
}

func TestQueries_Occlusion(t *testing.T) {
	d := newManual(t, WithOcclusionSamples(640))
	q := mustQueue(t, d, driver.QueueGraphics)
	a, _ := d.CreateCommandAllocator(driver.QueueGraphics)
	l, _ := d.CreateCommandList(a, nil)
	heap, _ := d.CreateQueryHeap(driver.QueryOcclusion, 1)
	rb, _ := d.CreateReadbackBuffer(driver.QueryResultSize)

	l.BeginQuery(heap, 0)
	l.EndQuery(heap, 0)
	l.ResolveQueries(heap, 0, 1, rb, 0)
	_ = l.Close()
	_ = q.Submit([]driver.CommandList{l})
	d.Flush()

	data, _ := rb.Map()
	if got := binary.LittleEndian.Uint64(data); got != 640 {
		t.Errorf("occlusion result = %d, want 640", got)
	}
	rb.Unmap()
}

func TestFaults(t *testing.T) {
	boom := errors.New("boom")
	d := newManual(t, WithFaults(func(op Op, qt driver.QueueType) error {
		if op == OpCreateQueue && qt == driver.QueueCompute {
			return boom
		}
		return nil
	}))

	if _, err := d.CreateQueue(driver.QueueGraphics); err != nil {
		t.Errorf("CreateQueue(graphics): %v", err)
	}
	if _, err := d.CreateQueue(driver.QueueCompute); !errors.Is(err, boom) {
		t.Errorf("CreateQueue(compute) = %v, want %v", err, boom)
	}
}

func TestStats_LiveAndDoubleDestroy(t *testing.T) {
	d := newManual(t)
	a, _ := d.CreateCommandAllocator(driver.QueueGraphics)
	heap, _ := d.CreateQueryHeap(driver.QueryTimestamp, 8)

	if got := d.Stats().Live; got != 2 {
		t.Fatalf("Live = %d, want 2", got)
	}
	a.Destroy()
	heap.Destroy()
	heap.Destroy()

	s := d.Stats()
	if s.Live != 0 {
		t.Errorf("Live = %d, want 0", s.Live)
	}
	if s.DoubleDestroys != 1 {
		t.Errorf("DoubleDestroys = %d, want 1", s.DoubleDestroys)
	}
}

func TestUploadBuffer(t *testing.T) {
	d := newManual(t)
	b, err := d.CreateUploadBuffer(256)
	if err != nil {
		t.Fatalf("CreateUploadBuffer: %v", err)
	}
	if got := b.Size(); got != 256 {
		t.Errorf("Size() = %d, want 256", got)
	}
	if got := len(b.Bytes()); got != 256 {
		t.Errorf("len(Bytes()) = %d, want 256", got)
	}
	if got := d.Stats().UploadBuffersCreated; got != 1 {
		t.Errorf("UploadBuffersCreated = %d, want 1", got)
	}
	b.Destroy()
	if got := d.Stats().Live; got != 0 {
		t.Errorf("Live = %d, want 0", got)
	}

	if _, err := d.CreateUploadBuffer(0); err == nil {
		t.Error("CreateUploadBuffer(0) succeeded")
	}
}

func TestWaitIdle(t *testing.T) {
	t.Run("manual", func(t *testing.T) {
		d := newManual(t)
		q := mustQueue(t, d, driver.QueueGraphics)
		f, _ := d.CreateFence(0)
		if err := q.Signal(f, 3); err != nil {
			t.Fatal(err)
		}
		if err := d.WaitIdle(); err != nil {
			t.Fatalf("WaitIdle: %v", err)
		}
		if got, _ := f.CompletedValue(); got != 3 {
			t.Errorf("CompletedValue = %d, want 3", got)
		}
	})

	t.Run("auto", func(t *testing.T) {
		d := New(WithLatency(time.Millisecond))
		t.Cleanup(d.Destroy)
		q := mustQueue(t, d, driver.QueueGraphics)
		f, _ := d.CreateFence(0)
		for v := uint64(1); v <= 3; v++ {
			if err := q.Signal(f, v); err != nil {
				t.Fatal(err)
			}
		}
		if err := d.WaitIdle(); err != nil {
			t.Fatalf("WaitIdle: %v", err)
		}
		if got := d.Pending(); got != 0 {
			t.Errorf("Pending = %d, want 0", got)
		}
	})

	t.Run("destroyed", func(t *testing.T) {
		d := New()
		d.Destroy()
		if err := d.WaitIdle(); !errors.Is(err, driver.ErrDeviceLost) {
			t.Errorf("WaitIdle after Destroy = %v, want ErrDeviceLost", err)
		}
	})
}

func TestDevice_DestroyedRejectsCreation(t *testing.T) {
	d := New()
	d.Destroy()
	if _, err := d.CreateFence(0); !errors.Is(err, driver.ErrDeviceLost) {
		t.Errorf("CreateFence after Destroy = %v, want ErrDeviceLost", err)
	}
	d.Destroy()
}

func TestRegistered(t *testing.T) {
	if !driver.IsRegistered(driver.BackendSim) {
		t.Fatal("sim backend not registered")
	}
	dev, err := driver.Open(driver.BackendSim)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Destroy()
	if got := dev.Info().Adapter.Name; got != "Simulated GPU" {
		t.Errorf("adapter name = %q", got)
	}
}
