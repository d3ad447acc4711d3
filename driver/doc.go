// Package driver defines the native graphics interface consumed by rhi.
//
// A driver exposes the handful of objects a submission layer needs: queues
// that execute command lists and signal fences, command allocators and the
// command lists that record into them, query heaps, and CPU-readable
// readback buffers for query resolves. Everything above that (pooling,
// synchronization bookkeeping, deferred destruction) lives in package rhi.
//
// Backends register themselves by name:
//
//	func init() {
//	    driver.Register("sim", func() (driver.Device, error) { return sim.New(), nil })
//	}
//
// and are opened through [Open] or rhi.Open.
package driver
