//go:build !nogpu

package wgpu

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/driver"
)

// QueryHeap wraps a HAL timestamp query set.
type QueryHeap struct {
	d     *Device
	set   hal.QuerySet
	kind  driver.QueryKind
	count uint32
}

// Kind implements driver.QueryHeap.
func (h *QueryHeap) Kind() driver.QueryKind { return h.kind }

// Count implements driver.QueryHeap.
func (h *QueryHeap) Count() uint32 { return h.count }

// Destroy implements driver.QueryHeap.
func (h *QueryHeap) Destroy() {
	if h.set != nil {
		h.d.hal.DestroyQuerySet(h.set)
		h.set = nil
	}
}

// ReadbackBuffer pairs the query resolve target with a host-mappable copy.
type ReadbackBuffer struct {
	d       *Device
	resolve hal.Buffer
	staging hal.Buffer
	size    uint64
	mapped  bool
}

// Size implements driver.ReadbackBuffer.
func (b *ReadbackBuffer) Size() uint64 { return b.size }

// Map implements driver.ReadbackBuffer.
func (b *ReadbackBuffer) Map() ([]byte, error) {
	if b.staging == nil {
		return nil, errors.New("wgpu: map of destroyed readback buffer")
	}
	if b.mapped {
		return nil, errors.New("wgpu: readback buffer already mapped")
	}
	m, err := b.d.hal.MapBuffer(b.staging, 0, b.size)
	if err != nil {
		return nil, fmt.Errorf("wgpu: map readback buffer: %w", err)
	}
	if m.Ptr == nil {
		_ = b.d.hal.UnmapBuffer(b.staging)
		return nil, errors.New("wgpu: map readback buffer: nil mapping")
	}
	b.mapped = true
	return unsafe.Slice((*byte)(m.Ptr), b.size), nil
}

// Unmap implements driver.ReadbackBuffer.
func (b *ReadbackBuffer) Unmap() {
	if !b.mapped {
		return
	}
	b.mapped = false
	if err := b.d.hal.UnmapBuffer(b.staging); err != nil {
		slogger().Warn("wgpu: unmap readback buffer", "err", err)
	}
}

// Destroy implements driver.ReadbackBuffer.
func (b *ReadbackBuffer) Destroy() {
	b.Unmap()
	if b.resolve != nil {
		b.d.hal.DestroyBuffer(b.resolve)
		b.resolve = nil
	}
	if b.staging != nil {
		b.d.hal.DestroyBuffer(b.staging)
		b.staging = nil
	}
}

// UploadBuffer is a host-visible buffer mapped for its whole lifetime.
type UploadBuffer struct {
	d    *Device
	buf  hal.Buffer
	data []byte
}

// HAL returns the buffer for use as a copy source.
func (b *UploadBuffer) HAL() hal.Buffer { return b.buf }

// Size implements driver.UploadBuffer.
func (b *UploadBuffer) Size() uint64 { return uint64(len(b.data)) }

// Bytes implements driver.UploadBuffer.
func (b *UploadBuffer) Bytes() []byte { return b.data }

// Destroy implements driver.UploadBuffer.
func (b *UploadBuffer) Destroy() {
	if b.buf == nil {
		return
	}
	if err := b.d.hal.UnmapBuffer(b.buf); err != nil {
		slogger().Warn("wgpu: unmap upload buffer", "err", err)
	}
	b.d.hal.DestroyBuffer(b.buf)
	b.buf = nil
	b.data = nil
}
