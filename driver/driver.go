package driver

import (
	"errors"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// Driver errors.
var (
	// ErrUnsupported is returned for operations the backend cannot perform.
	ErrUnsupported = errors.New("driver: operation not supported")

	// ErrDeviceLost is returned when the native device is no longer usable.
	ErrDeviceLost = errors.New("driver: device lost")

	// ErrInUse is returned when a native object is reset or destroyed while
	// the GPU still references it.
	ErrInUse = errors.New("driver: object in use by GPU")

	// ErrBackendNotRegistered is returned by Open for unknown backend names.
	ErrBackendNotRegistered = errors.New("driver: backend not registered")
)

// QueueType identifies a hardware queue family.
type QueueType uint8

const (
	// QueueGraphics executes graphics, compute and copy work.
	QueueGraphics QueueType = iota
	// QueueCompute executes compute and copy work.
	QueueCompute
	// QueueCopy executes copy work only.
	QueueCopy

	// NumQueueTypes is the number of queue types.
	NumQueueTypes = 3
)

// String returns the queue type name.
func (t QueueType) String() string {
	switch t {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// ParseQueueType converts a queue name back into a QueueType.
func ParseQueueType(s string) (QueueType, bool) {
	switch s {
	case "graphics", "direct":
		return QueueGraphics, true
	case "compute":
		return QueueCompute, true
	case "copy":
		return QueueCopy, true
	}
	return 0, false
}

// QueryKind identifies what a query heap measures.
type QueryKind uint8

const (
	// QueryTimestamp records GPU clock ticks.
	QueryTimestamp QueryKind = iota
	// QueryOcclusion counts samples that passed depth and stencil tests.
	QueryOcclusion

	// NumQueryKinds is the number of query kinds.
	NumQueryKinds = 2
)

// String returns the query kind name.
func (k QueryKind) String() string {
	switch k {
	case QueryTimestamp:
		return "timestamp"
	case QueryOcclusion:
		return "occlusion"
	default:
		return "unknown"
	}
}

// QueryResultSize is the size in bytes of one resolved query value.
const QueryResultSize = 8

// Info describes an opened device.
type Info struct {
	Adapter gpucontext.AdapterInfo
	Backend gputypes.Backend
}

// Resource is any native object with an explicit lifetime.
type Resource interface {
	Destroy()
}

// PipelineState is an opaque initial pipeline state handed to a command
// list on reset. Backends that have no such concept ignore it.
type PipelineState interface{}

// Device creates native objects.
type Device interface {
	Info() Info
	CreateQueue(t QueueType) (Queue, error)
	CreateFence(initial uint64) (Fence, error)
	CreateCommandAllocator(t QueueType) (CommandAllocator, error)
	// CreateCommandList creates a command list that is already recording
	// into alloc.
	CreateCommandList(alloc CommandAllocator, initial PipelineState) (CommandList, error)
	CreateQueryHeap(kind QueryKind, count uint32) (QueryHeap, error)
	CreateReadbackBuffer(size uint64) (ReadbackBuffer, error)
	CreateUploadBuffer(size uint64) (UploadBuffer, error)
	// WaitIdle blocks until every queue has finished all submitted work,
	// including work whose fence signal was never enqueued.
	WaitIdle() error
	Destroy()
}

// Queue executes command lists in submission order.
type Queue interface {
	Type() QueueType
	Submit(lists []CommandList) error
	// Signal sets fence to value once all previously submitted work on
	// this queue has completed.
	Signal(f Fence, value uint64) error
	// TimestampFrequency returns timestamp ticks per second.
	TimestampFrequency() (uint64, error)
}

// Fence is a GPU-signaled monotonic counter.
type Fence interface {
	Resource
	CompletedValue() (uint64, error)
	// Wait blocks until the completed value reaches value. It reports false
	// if timeout elapses first. A negative timeout waits forever.
	Wait(value uint64, timeout time.Duration) (bool, error)
}

// CommandAllocator owns the memory command lists record into.
type CommandAllocator interface {
	Resource
	Type() QueueType
	// Reset reclaims all memory. The caller guarantees the GPU has
	// finished every list recorded into this allocator.
	Reset() error
}

// CommandList records GPU commands.
type CommandList interface {
	Resource
	Type() QueueType
	// Reset starts a new recording into alloc.
	Reset(alloc CommandAllocator, initial PipelineState) error
	// Close ends recording. A closed list can be submitted.
	Close() error
	WriteTimestamp(heap QueryHeap, index uint32)
	BeginQuery(heap QueryHeap, index uint32)
	EndQuery(heap QueryHeap, index uint32)
	// ResolveQueries copies count results starting at first into dst at
	// byte offset off, QueryResultSize bytes per query.
	ResolveQueries(heap QueryHeap, first, count uint32, dst ReadbackBuffer, off uint64)
}

// QueryHeap is a fixed-size array of GPU queries.
type QueryHeap interface {
	Resource
	Kind() QueryKind
	Count() uint32
}

// ReadbackBuffer is a CPU-mappable buffer that receives resolved queries.
type ReadbackBuffer interface {
	Resource
	Size() uint64
	Map() ([]byte, error)
	Unmap()
}

// UploadBuffer is a persistently mapped CPU-writable buffer that command
// lists copy from.
type UploadBuffer interface {
	Resource
	Size() uint64
	// Bytes returns the mapped memory. It stays valid until Destroy.
	Bytes() []byte
}
