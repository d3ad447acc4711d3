package rhi

import (
	"fmt"
	"time"
)

// SyncPoint names a moment on a queue's timeline: the point at which its
// fence reaches value. Everything submitted to the queue before the
// SyncPoint was issued has completed once it is reached.
//
// The zero SyncPoint is always reached.
type SyncPoint struct {
	fence *Fence
	value uint64
}

// Value returns the fence value.
func (s SyncPoint) Value() uint64 { return s.value }

// Fence returns the fence, or nil for the zero SyncPoint.
func (s SyncPoint) Fence() *Fence { return s.fence }

// IsZero reports whether s is the zero SyncPoint.
func (s SyncPoint) IsZero() bool { return s.fence == nil }

// IsReached reports whether the GPU has passed the SyncPoint.
func (s SyncPoint) IsReached() bool {
	if s.fence == nil {
		return true
	}
	return s.fence.IsReached(s.value)
}

// Wait blocks until the SyncPoint is reached or timeout elapses.
func (s SyncPoint) Wait(timeout time.Duration) (bool, error) {
	if s.fence == nil {
		return true, nil
	}
	return s.fence.WaitUntil(s.value, timeout)
}

// Before reports whether s precedes o on the same fence. SyncPoints of
// different fences are unordered.
func (s SyncPoint) Before(o SyncPoint) bool {
	return s.fence != nil && s.fence == o.fence && s.value < o.value
}

// String returns "queue@value".
func (s SyncPoint) String() string {
	if s.fence == nil {
		return "syncpoint(zero)"
	}
	return fmt.Sprintf("%s@%d", s.fence.qt, s.value)
}
