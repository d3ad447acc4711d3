package rhi

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/rhi/backend/sim"
	"github.com/gogpu/rhi/driver"
)

func TestFenceSignalIsMonotonic(t *testing.T) {
	d, gpu := newTestDevice(t)
	fm := d.Fences()

	for want := uint64(1); want <= 3; want++ {
		got, err := fm.Signal(QueueGraphics)
		if err != nil {
			t.Fatalf("Signal: %v", err)
		}
		if got != want {
			t.Errorf("Signal() = %d, want %d", got, want)
		}
	}
	if fm.IsReached(QueueGraphics, 1) {
		t.Error("value 1 reached before the GPU ran")
	}
	gpu.Step()
	gpu.Step()
	if !fm.IsReached(QueueGraphics, 2) || fm.IsReached(QueueGraphics, 3) {
		t.Errorf("after two steps: completed = %d, want 2", fm.Fence(QueueGraphics).CompletedValue())
	}
	gpu.Flush()
	if got := fm.Fence(QueueGraphics).CompletedValue(); got != 3 {
		t.Errorf("CompletedValue() = %d, want 3", got)
	}
}

func TestFencesAreIndependentPerQueue(t *testing.T) {
	d, gpu := newTestDevice(t)
	fm := d.Fences()

	g, _ := fm.Signal(QueueGraphics)
	c, _ := fm.Signal(QueueCompute)
	c2, _ := fm.Signal(QueueCompute)
	if g != 1 || c != 1 || c2 != 2 {
		t.Errorf("values = %d %d %d, want 1 1 2", g, c, c2)
	}
	gpu.Flush()
	if !fm.IsReached(QueueCompute, 2) {
		t.Error("compute value 2 not reached")
	}
	if fm.IsReached(QueueCopy, 1) {
		t.Error("copy fence reached a value it never signaled")
	}
}

func TestFenceConcurrentSignal(t *testing.T) {
	d, gpu := newTestDevice(t)
	f := d.Fences().Fence(QueueCopy)

	const goroutines, per = 8, 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range per {
				v, err := f.Signal()
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[v] {
					t.Errorf("value %d handed out twice", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := f.LastSignaled(); got != goroutines*per {
		t.Errorf("LastSignaled() = %d, want %d", got, goroutines*per)
	}
	var last uint64
	for gpu.Step() {
		v := f.CompletedValue()
		if v < last {
			t.Fatalf("completed value went backwards: %d after %d", v, last)
		}
		last = v
	}
	if last != goroutines*per {
		t.Errorf("final completed value = %d, want %d", last, goroutines*per)
	}
}

func TestFenceWaitUntil(t *testing.T) {
	d, gpu := newTestDevice(t)
	fm := d.Fences()
	v, _ := fm.Signal(QueueGraphics)

	ok, err := fm.WaitUntil(QueueGraphics, v, 5*time.Millisecond)
	if ok || err != nil {
		t.Errorf("WaitUntil before completion = %v, %v, want false, nil", ok, err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		gpu.Flush()
	}()
	ok, err = fm.WaitUntil(QueueGraphics, v, -1)
	if !ok || err != nil {
		t.Errorf("WaitUntil = %v, %v, want true, nil", ok, err)
	}
}

func TestFenceSignalFailure(t *testing.T) {
	boom := errors.New("signal lost")
	gpu := sim.New(sim.WithManualCompletion(), sim.WithFaults(func(op sim.Op, qt driver.QueueType) error {
		if op == sim.OpSignal && qt == driver.QueueCompute {
			return boom
		}
		return nil
	}))
	d, _ := newTestDeviceOn(t, gpu)

	_, err := d.Fences().Signal(QueueCompute)
	if !errors.Is(err, ErrFenceFailed) || !errors.Is(err, boom) {
		t.Errorf("Signal err = %v, want %v and %v", err, ErrFenceFailed, boom)
	}
	if got := d.Fences().Fence(QueueCompute).LastSignaled(); got != 0 {
		t.Errorf("LastSignaled() after failure = %d, want 0", got)
	}
}

func TestFenceManagerUnavailableQueue(t *testing.T) {
	d, _ := newTestDevice(t, WithQueues(QueueGraphics))
	fm := d.Fences()
	if _, err := fm.Signal(QueueCompute); !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("Signal(compute) err = %v, want %v", err, ErrQueueUnavailable)
	}
	if fm.IsReached(QueueCompute, 0) {
		t.Error("IsReached on a missing queue should report false")
	}
}

func TestSyncPoint(t *testing.T) {
	d, gpu := newTestDevice(t)
	fm := d.Fences()

	var zero SyncPoint
	if !zero.IsZero() || !zero.IsReached() {
		t.Error("zero SyncPoint must be reached")
	}
	if ok, err := zero.Wait(0); !ok || err != nil {
		t.Errorf("zero.Wait() = %v, %v", ok, err)
	}

	v1, _ := fm.Signal(QueueGraphics)
	v2, _ := fm.Signal(QueueGraphics)
	a, b := fm.SyncPoint(QueueGraphics, v1), fm.SyncPoint(QueueGraphics, v2)
	c := fm.SyncPoint(QueueCompute, v1)

	if !a.Before(b) || b.Before(a) {
		t.Error("Before does not follow fence order")
	}
	if a.Before(c) || c.Before(a) {
		t.Error("SyncPoints of different queues must be unordered")
	}
	if got := b.String(); got != "graphics@2" {
		t.Errorf("String() = %q, want %q", got, "graphics@2")
	}
	if a.IsReached() {
		t.Error("SyncPoint reached before the GPU ran")
	}
	gpu.Step()
	if !a.IsReached() || b.IsReached() {
		t.Error("after one step only the first SyncPoint should be reached")
	}
}
