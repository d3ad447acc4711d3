package rhi

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/rhi/driver"
)

// Resource is a reference-counted wrapper around a native resource. The
// native object is destroyed when the last reference is released.
type Resource struct {
	native driver.Resource
	name   string
	refs   atomic.Int32
}

// NewResource wraps native with a reference count of one.
func NewResource(native driver.Resource, name string) *Resource {
	r := &Resource{native: native, name: name}
	r.refs.Store(1)
	return r
}

// Native returns the wrapped resource.
func (r *Resource) Native() driver.Resource { return r.native }

// Name returns the debug name.
func (r *Resource) Name() string { return r.name }

// Refs returns the current reference count.
func (r *Resource) Refs() int { return int(r.refs.Load()) }

// AddRef increments the reference count.
func (r *Resource) AddRef() {
	if r.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("rhi: AddRef on released resource %q", r.name))
	}
}

// Release decrements the reference count and destroys the native resource
// when it reaches zero.
func (r *Resource) Release() {
	switch n := r.refs.Add(-1); {
	case n == 0:
		r.native.Destroy()
	case n < 0:
		panic(fmt.Sprintf("rhi: resource %q released more times than referenced", r.name))
	}
}
