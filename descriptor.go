package rhi

import (
	"fmt"
	"sort"
	"sync"
)

// DescriptorBlock is a contiguous range of descriptor slots.
type DescriptorBlock struct {
	Offset uint32
	Count  uint32
}

func (b DescriptorBlock) end() uint32 { return b.Offset + b.Count }

// DescriptorHeap hands out contiguous blocks of descriptor slots. Blocks
// referenced by in-flight work must be returned with DeferDescriptors.
type DescriptorHeap struct {
	capacity uint32

	mu   sync.Mutex
	free []DescriptorBlock // sorted by offset, never adjacent
	used uint32
}

// NewDescriptorHeap creates a heap of capacity slots.
func NewDescriptorHeap(capacity uint32) *DescriptorHeap {
	h := &DescriptorHeap{capacity: capacity}
	if capacity > 0 {
		h.free = []DescriptorBlock{{Offset: 0, Count: capacity}}
	}
	return h
}

// Capacity returns the total slot count.
func (h *DescriptorHeap) Capacity() uint32 { return h.capacity }

// Used returns the number of allocated slots.
func (h *DescriptorHeap) Used() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Allocate returns the first free block of n slots.
func (h *DescriptorHeap) Allocate(n uint32) (DescriptorBlock, error) {
	if n == 0 {
		return DescriptorBlock{}, fmt.Errorf("rhi: allocate zero descriptors")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, f := range h.free {
		if f.Count < n {
			continue
		}
		b := DescriptorBlock{Offset: f.Offset, Count: n}
		if f.Count == n {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = DescriptorBlock{Offset: f.Offset + n, Count: f.Count - n}
		}
		h.used += n
		return b, nil
	}
	return DescriptorBlock{}, fmt.Errorf("%w: %d slots requested, %d of %d in use",
		ErrDescriptorHeapFull, n, h.used, h.capacity)
}

// Free returns b to the heap, merging it with adjacent free blocks.
// Freeing a block that overlaps free space panics.
func (h *DescriptorHeap) Free(b DescriptorBlock) {
	if b.Count == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if b.end() > h.capacity {
		panic(fmt.Sprintf("rhi: descriptor block [%d,%d) outside heap of %d", b.Offset, b.end(), h.capacity))
	}

	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].Offset >= b.Offset })
	if i > 0 && h.free[i-1].end() > b.Offset || i < len(h.free) && b.end() > h.free[i].Offset {
		panic(fmt.Sprintf("rhi: descriptor block [%d,%d) freed twice", b.Offset, b.end()))
	}

	h.free = append(h.free, DescriptorBlock{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = b
	h.used -= b.Count

	// Merge with the right neighbour, then the left.
	if i+1 < len(h.free) && h.free[i].end() == h.free[i+1].Offset {
		h.free[i].Count += h.free[i+1].Count
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].end() == h.free[i].Offset {
		h.free[i-1].Count += h.free[i].Count
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// FreeBlocks returns the number of disjoint free ranges.
func (h *DescriptorHeap) FreeBlocks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.free)
}
