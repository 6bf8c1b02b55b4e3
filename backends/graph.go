// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/gopjrt/dtypes"

// Graph is an imported, immutable computation graph.
//
// Values in the graph are named "<operation>:<output-index>".
// The only supported edit is appending cast nodes (AddCast), which is idempotent, so a Graph can be
// shared among several users (see package registry).
type Graph interface {
	// HasTensor returns whether the graph has a value with the given name.
	HasTensor(name string) bool

	// TensorDType returns the dtype of the named value.
	TensorDType(name string) (dtypes.DType, error)

	// AddCast appends (if not yet present) a node named "<op>_to_<dtype>" casting the named value to dtype,
	// and returns the name of the cast value.
	AddCast(name string, dtype dtypes.DType) (castName string, err error)

	// Serialize returns the serialized definition of the graph, the same format accepted by Backend.ImportGraph.
	Serialize() ([]byte, error)

	// Finalize releases the graph resources. Sessions over the graph must be closed before.
	Finalize()
}
