// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable reference engine for GraphNet.
//
// It imports graphs serialized with package graphdef, and supports only a handful of operations (see
// Capabilities) over the five dtypes GraphNet exchanges with engines: Float32, Float64, Int32, Int64 and Uint8.
//
// Internally values are computed in float64 and converted to the node's dtype (truncating toward zero
// for integers) after each operation.
//
// It keeps count of the native tensors alive (LiveTensors), which is handy to check that clients release
// every tensor they acquire.
package simplego

import (
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/graphdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GRAPHNET_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the default constructor for the "go" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		if config != "" {
			klog.Warningf("backend %q takes no configuration, ignoring %q", BackendName, config)
		}
		return New(), nil
	})
}

// Capabilities of the SimpleGo backend: the set of supported operations and data types.
var Capabilities = backends.Capabilities{
	Operations: map[string]bool{
		graphdef.OpPlaceholder: true,
		graphdef.OpConst:       true,
		graphdef.OpVariable:    true,
		graphdef.OpIdentity:    true,
		graphdef.OpCast:        true,
		graphdef.OpAdd:         true,
		graphdef.OpSub:         true,
		graphdef.OpMul:         true,
		graphdef.OpNeg:         true,
		graphdef.OpMatMul:      true,
		graphdef.OpRelu:        true,
		graphdef.OpReluGrad:    true,
	},
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
		dtypes.Int32:   true,
		dtypes.Int64:   true,
		dtypes.Uint8:   true,
	},
}

// Backend implements the backends.Backend interface.
type Backend struct {
	liveTensors  atomic.Int64
	liveSessions atomic.Int64
	finalized    atomic.Bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new SimpleGo Backend.
func New() *Backend {
	return &Backend{}
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "SimpleGo portable reference engine"
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// LiveTensors returns the number of native tensors created and not yet finalized.
func (b *Backend) LiveTensors() int {
	return int(b.liveTensors.Load())
}

// LiveSessions returns the number of sessions opened and not yet closed.
func (b *Backend) LiveSessions() int {
	return int(b.liveSessions.Load())
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	if live := b.LiveTensors(); live != 0 {
		klog.Warningf("simplego backend finalized with %d native tensors still alive", live)
	}
	b.finalized.Store(true)
}

func (b *Backend) checkOk() error {
	if b.finalized.Load() {
		return errors.Errorf("backend %q has already been finalized", BackendName)
	}
	return nil
}
