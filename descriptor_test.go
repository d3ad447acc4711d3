package rhi

import (
	"errors"
	"testing"
)

func TestDescriptorHeapFirstFit(t *testing.T) {
	h := NewDescriptorHeap(10)
	a, _ := h.Allocate(3)
	b, _ := h.Allocate(3)
	c, _ := h.Allocate(4)
	if a.Offset != 0 || b.Offset != 3 || c.Offset != 6 {
		t.Fatalf("offsets = %d %d %d, want 0 3 6", a.Offset, b.Offset, c.Offset)
	}
	if _, err := h.Allocate(1); !errors.Is(err, ErrDescriptorHeapFull) {
		t.Errorf("Allocate on full heap: err = %v, want %v", err, ErrDescriptorHeapFull)
	}

	h.Free(a)
	got, err := h.Allocate(2)
	if err != nil || got.Offset != 0 {
		t.Errorf("Allocate(2) = %+v, %v, want offset 0", got, err)
	}
	if h.Used() != 9 {
		t.Errorf("Used() = %d, want 9", h.Used())
	}
}

func TestDescriptorHeapCoalesces(t *testing.T) {
	h := NewDescriptorHeap(12)
	blocks := make([]DescriptorBlock, 4)
	for i := range blocks {
		blocks[i], _ = h.Allocate(3)
	}
	h.Free(blocks[0])
	h.Free(blocks[2])
	if h.FreeBlocks() != 2 {
		t.Errorf("FreeBlocks() = %d, want 2", h.FreeBlocks())
	}
	if _, err := h.Allocate(6); !errors.Is(err, ErrDescriptorHeapFull) {
		t.Errorf("fragmented Allocate(6): err = %v, want %v", err, ErrDescriptorHeapFull)
	}
	h.Free(blocks[1])
	h.Free(blocks[3])
	if h.FreeBlocks() != 1 || h.Used() != 0 {
		t.Errorf("FreeBlocks() = %d Used() = %d, want 1 0", h.FreeBlocks(), h.Used())
	}
	if b, err := h.Allocate(12); err != nil || b.Offset != 0 {
		t.Errorf("Allocate(12) = %+v, %v", b, err)
	}
}

func TestDescriptorHeapMisuse(t *testing.T) {
	h := NewDescriptorHeap(8)
	b, _ := h.Allocate(4)
	h.Free(b)
	expectPanic(t, "freed twice", func() { h.Free(b) })
	expectPanic(t, "outside heap", func() { h.Free(DescriptorBlock{Offset: 6, Count: 4}) })
	if _, err := h.Allocate(0); err == nil {
		t.Error("Allocate(0) succeeded")
	}
}
