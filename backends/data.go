// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/gopjrt/dtypes"

// Tensor is a native tensor handle owned by the engine. It is opaque from GraphNet's perspective.
//
// A Tensor must be released exactly once with Finalize. After that it should never be used again,
// and the caller should set its references to it to nil. Finalizing twice is undefined: engines
// may return an error or fail.
type Tensor interface {
	// DType of the tensor elements.
	DType() dtypes.DType

	// Dimensions of the tensor. A scalar has no dimensions.
	Dimensions() []int

	// Finalize releases the native resources immediately.
	Finalize() error
}

// DataInterface is the Backend's sub-interface that defines the API to create and read native tensors.
type DataInterface interface {
	// TensorFromFlat wraps the flat slice (of the Go type of one of the supported dtypes) into a native
	// tensor with the given dimensions, without copying.
	//
	// The returned Tensor doesn't own flat: flat must stay valid, and it must not be mutated, until the
	// tensor is finalized.
	TensorFromFlat(flat any, dimensions ...int) (Tensor, error)

	// TensorToFlat copies the contents of the tensor to flat, which must be a slice of the Go type of the
	// tensor's dtype, with exactly the number of elements of the tensor.
	TensorToFlat(tensor Tensor, flat any) error
}
