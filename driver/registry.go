package driver

import (
	"fmt"
	"sort"

	"github.com/gogpu/gpucontext"
)

// OpenFunc opens a new native device.
type OpenFunc func() (Device, error)

// Backend names used by the bundled backends.
const (
	BackendWGPU = "wgpu"
	BackendSim  = "sim"
)

// registry prefers real hardware over the simulator.
var registry = gpucontext.NewRegistry[OpenFunc](
	gpucontext.WithPriority(BackendWGPU, BackendSim),
)

// Register registers a backend under name. It is typically called from an
// init function. Registering an existing name replaces it.
func Register(name string, open OpenFunc) {
	registry.Register(name, func() OpenFunc { return open })
}

// Unregister removes a backend. Useful in tests.
func Unregister(name string) {
	registry.Unregister(name)
}

// IsRegistered reports whether a backend is registered under name.
func IsRegistered(name string) bool {
	return registry.Has(name)
}

// Available returns the sorted names of all registered backends.
func Available() []string {
	names := registry.Available()
	sort.Strings(names)
	return names
}

// Open opens the named backend. An empty name selects the highest
// priority registered backend.
func Open(name string) (Device, error) {
	if name == "" {
		name = registry.BestName()
	}
	open := registry.Get(name)
	if open == nil {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrBackendNotRegistered, name, Available())
	}
	return open()
}
