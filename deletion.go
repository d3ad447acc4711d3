package rhi

import (
	"fmt"
	"sync"

	"github.com/gogpu/rhi/driver"
)

// RefCounted is a higher-level object with manual reference counting.
type RefCounted interface {
	AddRef()
	Release()
}

// DeferredKind tags the variant held by a DeferredObject.
type DeferredKind uint8

const (
	// DeferNativeKind holds a raw native resource, destroyed on processing.
	DeferNativeKind DeferredKind = iota
	// DeferResourceKind holds a *Resource, released on processing.
	DeferResourceKind
	// DeferObjectKind holds a RefCounted object, released on processing.
	DeferObjectKind
	// DeferDescriptorsKind holds a descriptor block, freed on processing.
	DeferDescriptorsKind
)

// String returns the kind name.
func (k DeferredKind) String() string {
	switch k {
	case DeferNativeKind:
		return "native"
	case DeferResourceKind:
		return "resource"
	case DeferObjectKind:
		return "object"
	case DeferDescriptorsKind:
		return "descriptors"
	default:
		return fmt.Sprintf("DeferredKind(%d)", uint8(k))
	}
}

// DeferredObject is something whose destruction must wait for the GPU.
// Build one with DeferNative, DeferResource, DeferObject or DeferDescriptors.
type DeferredObject struct {
	kind     DeferredKind
	native   driver.Resource
	resource *Resource
	object   RefCounted
	heap     *DescriptorHeap
	block    DescriptorBlock
}

// DeferNative defers destruction of a native resource. Ownership of r moves
// to the deletion queue.
func DeferNative(r driver.Resource) DeferredObject {
	return DeferredObject{kind: DeferNativeKind, native: r}
}

// DeferResource defers one reference release of r.
func DeferResource(r *Resource) DeferredObject {
	return DeferredObject{kind: DeferResourceKind, resource: r}
}

// DeferObject defers one reference release of o.
func DeferObject(o RefCounted) DeferredObject {
	return DeferredObject{kind: DeferObjectKind, object: o}
}

// DeferDescriptors defers returning block to heap.
func DeferDescriptors(heap *DescriptorHeap, block DescriptorBlock) DeferredObject {
	return DeferredObject{kind: DeferDescriptorsKind, heap: heap, block: block}
}

// Kind returns the variant tag.
func (o DeferredObject) Kind() DeferredKind { return o.kind }

// retain takes the strong reference the queue holds until processing.
func (o DeferredObject) retain() {
	switch o.kind {
	case DeferResourceKind:
		o.resource.AddRef()
	case DeferObjectKind:
		o.object.AddRef()
	}
}

// process destroys, releases or frees the held object.
func (o DeferredObject) process() {
	switch o.kind {
	case DeferNativeKind:
		o.native.Destroy()
	case DeferResourceKind:
		o.resource.Release()
	case DeferObjectKind:
		o.object.Release()
	case DeferDescriptorsKind:
		o.heap.Free(o.block)
	}
}

// DeletionQueue collects objects to destroy once the payload that owns the
// queue has finished on the GPU. It is safe for concurrent Enqueue.
type DeletionQueue struct {
	mu    sync.Mutex
	items []DeferredObject
}

// Enqueue adds obj and takes a strong reference to it. For Resource and
// RefCounted objects the caller keeps its own reference and may release it
// immediately.
func (q *DeletionQueue) Enqueue(obj DeferredObject) {
	obj.retain()
	q.mu.Lock()
	q.items = append(q.items, obj)
	q.mu.Unlock()
}

// Len returns the number of queued objects.
func (q *DeletionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ProcessItems processes and removes every queued object.
func (q *DeletionQueue) ProcessItems() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	ProcessItems(items)
	return len(items)
}

// ProcessItems processes each object exactly once and clears the slice
// entries so nothing keeps them alive.
func ProcessItems(items []DeferredObject) {
	for i := range items {
		items[i].process()
		items[i] = DeferredObject{}
	}
}
