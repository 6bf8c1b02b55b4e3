// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Handles is a fixed-size array of native tensor slots, reused across calls.
//
// A non-nil slot owns its native tensor: it must be released (Release, ReleaseAll or Set over it) or
// taken (Take) before being abandoned. Released slots are set to nil.
type Handles struct {
	slots []backends.Tensor
}

// NewHandles returns an array of n empty slots.
func NewHandles(n int) *Handles {
	return &Handles{slots: make([]backends.Tensor, n)}
}

// Len returns the number of slots.
func (h *Handles) Len() int { return len(h.slots) }

// Get returns the native tensor in slot i, or nil if it is empty. Ownership is not transferred.
func (h *Handles) Get(i int) backends.Tensor { return h.slots[i] }

// IsEmpty returns whether slot i is empty.
func (h *Handles) IsEmpty(i int) bool { return h.slots[i] == nil }

// All returns the native tensors of all slots, including nil for empty ones. Ownership is not transferred.
func (h *Handles) All() []backends.Tensor {
	all := make([]backends.Tensor, len(h.slots))
	copy(all, h.slots)
	return all
}

// Set stores handle in slot i, taking ownership of it. The native tensor previously stored in the slot, if any,
// is released first.
func (h *Handles) Set(i int, handle backends.Tensor) error {
	if h.slots[i] == handle {
		return nil
	}
	err := h.Release(i)
	h.slots[i] = handle
	return err
}

// Release finalizes the native tensor in slot i, if any, and empties the slot.
func (h *Handles) Release(i int) error {
	handle := h.slots[i]
	if handle == nil {
		return nil
	}
	h.slots[i] = nil
	if err := handle.Finalize(); err != nil {
		return errors.WithMessagef(err, "releasing native tensor in slot #%d", i)
	}
	return nil
}

// ReleaseAll releases all slots. It returns the first error, but it attempts to release every slot.
func (h *Handles) ReleaseAll() error {
	var firstErr error
	for i := range h.slots {
		if err := h.Release(i); err != nil {
			if firstErr == nil {
				firstErr = err
			} else {
				klog.Warningf("bridge.Handles.ReleaseAll: %v", err)
			}
		}
	}
	return firstErr
}

// Take empties slot i and returns its native tensor, transferring ownership to the caller.
func (h *Handles) Take(i int) backends.Tensor {
	handle := h.slots[i]
	h.slots[i] = nil
	return handle
}

// Live returns the number of non-empty slots.
func (h *Handles) Live() int {
	count := 0
	for _, handle := range h.slots {
		if handle != nil {
			count++
		}
	}
	return count
}

// Scope collects the native tensors acquired during one step, to release them on every exit path:
//
//	scope := bridge.NewScope()
//	defer scope.Release()
//	handle, err := scope.ToNative(backend, t, dtypes.Float32)
//	...
//	scope.Keep(outputHandle) // Carried forward: ownership moves to the caller.
type Scope struct {
	handles []backends.Tensor
}

// NewScope returns an empty Scope.
func NewScope() *Scope {
	return &Scope{}
}

// Add registers handles to be released with the scope. Nil handles are ignored.
func (s *Scope) Add(handles ...backends.Tensor) {
	for _, handle := range handles {
		if handle != nil {
			s.handles = append(s.handles, handle)
		}
	}
}

// ToNative converts t with ToNative and adds the native tensor to the scope.
func (s *Scope) ToNative(backend backends.Backend, t *tensors.Tensor, dtype dtypes.DType) (backends.Tensor, error) {
	handle, err := ToNative(backend, t, dtype)
	if err != nil {
		return nil, err
	}
	s.Add(handle)
	return handle, nil
}

// Keep removes handles from the scope: they are not released by Release, and the caller becomes responsible
// for them.
func (s *Scope) Keep(handles ...backends.Tensor) {
	for _, handle := range handles {
		for ii, h := range s.handles {
			if h == handle {
				s.handles = append(s.handles[:ii], s.handles[ii+1:]...)
				break
			}
		}
	}
}

// Len returns the number of native tensors currently owned by the scope.
func (s *Scope) Len() int { return len(s.handles) }

// Release finalizes all native tensors still owned by the scope. It can be called more than once.
// It returns the first error, but it attempts to release every native tensor.
func (s *Scope) Release() error {
	var firstErr error
	for _, handle := range s.handles {
		if err := handle.Finalize(); err != nil {
			if firstErr == nil {
				firstErr = errors.WithMessage(err, "bridge.Scope.Release")
			} else {
				klog.Warningf("bridge.Scope.Release: %v", err)
			}
		}
	}
	s.handles = nil
	return firstErr
}
