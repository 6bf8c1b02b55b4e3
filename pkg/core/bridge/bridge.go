// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bridge converts host tensors (package tensors) to and from the native tensors of an execution engine
// (backends.Tensor), and implements the release discipline for native tensors.
//
// Native tensors are scarce resources: each one acquired must be finalized exactly once. Handles is a slot array
// of native tensors reused across calls, and Scope collects the native tensors acquired during one step, to
// release them on every exit path.
package bridge

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/tensors"
	"github.com/gomlx/graphnet/pkg/support/errs"
	"github.com/pkg/errors"
)

// SupportedDTypes lists the dtypes that can be exchanged with an engine.
var SupportedDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64, dtypes.Uint8}

// ToNative converts the host tensor t to a native tensor of the given dtype.
//
// The host tensor must be contiguous. For Float32 the native tensor wraps the window [Offset, Offset+Size) of
// the host storage without copying, so it is only valid while the storage is. Other dtypes get a freshly
// converted buffer, truncating toward zero for the integer dtypes.
//
// It returns an error wrapping errs.ErrPrecondition if t is not contiguous, and errs.ErrUnsupportedType for
// a dtype outside SupportedDTypes.
func ToNative(backend backends.Backend, t *tensors.Tensor, dtype dtypes.DType) (backends.Tensor, error) {
	if !t.IsContiguous() {
		return nil, errs.Preconditionf("bridge.ToNative: tensor with dimensions %v and strides %v is not contiguous",
			t.Dimensions(), t.Strides())
	}
	var window []float32
	_ = t.ConstFlatData(func(flat []float32) { window = flat })
	if window == nil {
		window = []float32{}
	}

	var flat any
	switch dtype {
	case dtypes.Float32:
		flat = window
	case dtypes.Float64:
		flat = fromFloat32[float64](window)
	case dtypes.Int32:
		flat = fromFloat32[int32](window)
	case dtypes.Int64:
		flat = fromFloat32[int64](window)
	case dtypes.Uint8:
		converted := make([]uint8, len(window))
		for ii, x := range window {
			converted[ii] = uint8(int64(x))
		}
		flat = converted
	default:
		return nil, errs.UnsupportedTypef("bridge.ToNative: dtype %s is not supported, only %v", dtype, SupportedDTypes)
	}
	handle, err := backend.TensorFromFlat(flat, t.Dimensions()...)
	if err != nil {
		return nil, errors.WithMessagef(err, "bridge.ToNative(%s, dimensions=%v)", dtype, t.Dimensions())
	}
	return handle, nil
}

func fromFloat32[T float64 | int32 | int64](flat []float32) []T {
	converted := make([]T, len(flat))
	for ii, x := range flat {
		converted[ii] = T(x)
	}
	return converted
}

// ToHost copies the contents of the native tensor handle into dst, which is resized to the dimensions of handle.
// Values of non-Float32 native tensors are converted to float32.
//
// The handle is not finalized.
func ToHost(backend backends.Backend, handle backends.Tensor, dst *tensors.Tensor) error {
	dimensions := handle.Dimensions()
	dst.Resize(dimensions...)
	size := dst.Size()
	dtype := handle.DType()

	var flat any
	switch dtype {
	case dtypes.Float32:
		var err error
		mutErr := dst.MutableFlatData(func(window []float32) {
			if window == nil {
				window = []float32{}
			}
			err = backend.TensorToFlat(handle, window)
		})
		if mutErr != nil {
			return errors.WithMessage(mutErr, "bridge.ToHost")
		}
		return errors.WithMessagef(err, "bridge.ToHost(%s, dimensions=%v)", dtype, dimensions)
	case dtypes.Float64:
		flat = make([]float64, size)
	case dtypes.Int32:
		flat = make([]int32, size)
	case dtypes.Int64:
		flat = make([]int64, size)
	case dtypes.Uint8:
		flat = make([]uint8, size)
	default:
		return errs.UnsupportedTypef("bridge.ToHost: dtype %s is not supported, only %v", dtype, SupportedDTypes)
	}
	if err := backend.TensorToFlat(handle, flat); err != nil {
		return errors.WithMessagef(err, "bridge.ToHost(%s, dimensions=%v)", dtype, dimensions)
	}
	return dst.MutableFlatData(func(window []float32) {
		switch converted := flat.(type) {
		case []float64:
			toFloat32(converted, window)
		case []int32:
			toFloat32(converted, window)
		case []int64:
			toFloat32(converted, window)
		case []uint8:
			toFloat32(converted, window)
		}
	})
}

func toFloat32[T float64 | int32 | int64 | uint8](flat []T, window []float32) {
	for ii, x := range flat {
		window[ii] = float32(x)
	}
}
