package rhi

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/gogpu/rhi/backend/sim"
)

// newTestDevice creates a Device on a simulated GPU that only executes
// work when the test steps it.
func newTestDevice(t *testing.T, opts ...Option) (*Device, *sim.Device) {
	t.Helper()
	return newTestDeviceOn(t, sim.New(sim.WithManualCompletion()), opts...)
}

// newAutoDevice creates a Device on a simulated GPU that completes work
// in the background.
func newAutoDevice(t *testing.T, opts ...Option) (*Device, *sim.Device) {
	t.Helper()
	return newTestDeviceOn(t, sim.New(), opts...)
}

func newTestDeviceOn(t *testing.T, gpu *sim.Device, opts ...Option) (*Device, *sim.Device) {
	t.Helper()
	d, err := NewDevice(gpu, opts...)
	if err != nil {
		gpu.Destroy()
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() {
		gpu.Flush()
		if err := d.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return d, gpu
}

// expectPanic fails the test unless fn panics with a message containing want.
func expectPanic(t *testing.T, want string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", want)
		}
		msg, _ := r.(string)
		if !strings.Contains(msg, want) {
			t.Fatalf("panic = %v, want it to contain %q", r, want)
		}
	}()
	fn()
}

// recordingBuffer obtains an allocator from q and a command buffer
// recording into it.
func recordingBuffer(t *testing.T, q *Queue) (*CommandAllocator, *CommandBuffer) {
	t.Helper()
	a, err := q.ObtainAllocator()
	if err != nil {
		t.Fatalf("ObtainAllocator: %v", err)
	}
	b, err := q.ObtainCommandBuffer(a, nil)
	if err != nil {
		t.Fatalf("ObtainCommandBuffer: %v", err)
	}
	return a, b
}

// loggingGPU is a simulated device that records the logger it receives.
type loggingGPU struct {
	*sim.Device
	got *slog.Logger
}

func (g *loggingGPU) SetLogger(l *slog.Logger) {
	g.got = l
	g.Device.SetLogger(l)
}
