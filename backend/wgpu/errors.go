package wgpu

import "errors"

// Package errors for the wgpu driver.
var (
	// ErrNoAdapter is returned when no HAL backend exposes an adapter.
	ErrNoAdapter = errors.New("wgpu: no GPU adapter available")

	// ErrNoHALAccess is returned by FromProvider when the provider's device
	// does not expose its HAL device and queue.
	ErrNoHALAccess = errors.New("wgpu: device provider does not expose HAL handles")

	// ErrEncoderBusy is returned when a second command list starts recording
	// into an allocator that is already recording.
	ErrEncoderBusy = errors.New("wgpu: command allocator is already recording")

	// ErrNotRecording is returned by Close on a list that is not recording.
	ErrNotRecording = errors.New("wgpu: command list is not recording")
)
