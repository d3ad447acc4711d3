package rhi

import (
	"errors"
	"fmt"

	"github.com/gogpu/rhi/driver"
)

// Package errors.
var (
	// ErrConstruction is returned when a native object cannot be created.
	ErrConstruction = errors.New("rhi: native object construction failed")

	// ErrFenceFailed is returned when a fence cannot be signaled or read.
	ErrFenceFailed = errors.New("rhi: fence operation failed")

	// ErrTimeout is returned when a blocking submission exceeds its wait timeout.
	ErrTimeout = errors.New("rhi: wait timed out")

	// ErrQueueUnavailable is returned for queue types the device could not create.
	ErrQueueUnavailable = errors.New("rhi: queue unavailable")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("rhi: device closed")

	// ErrInvalidState is returned for misuse detected with validation disabled.
	ErrInvalidState = errors.New("rhi: invalid object state")

	// ErrWrongQueue is returned when a command buffer or allocator is used
	// with a queue of a different type.
	ErrWrongQueue = errors.New("rhi: queue type mismatch")

	// ErrContextNotOpen is returned when recording into a context that has
	// not been begun.
	ErrContextNotOpen = errors.New("rhi: command context not open")

	// ErrDescriptorHeapFull is returned when no free block is large enough.
	ErrDescriptorHeapFull = errors.New("rhi: descriptor heap full")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("rhi: invalid config")

	// ErrUnknownBackend is returned by Open for unregistered backends.
	ErrUnknownBackend = driver.ErrBackendNotRegistered
)

// misuse reports a broken usage contract. With validation enabled it panics,
// otherwise it returns an error wrapping ErrInvalidState.
func misuse(validate bool, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if validate {
		panic("rhi: invariant violated: " + msg)
	}
	Logger().Warn("rhi: invalid usage", "detail", msg)
	return fmt.Errorf("%w: %s", ErrInvalidState, msg)
}
