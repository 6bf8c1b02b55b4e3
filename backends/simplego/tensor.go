// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends"
	"github.com/pkg/errors"
)

// Compile-time check:
var (
	_ backends.DataInterface = (*Backend)(nil)
	_ backends.Tensor        = (*Tensor)(nil)
)

// Tensor for SimpleGo backend holds the dimensions and a reference to the flat data.
//
// The flat data is either borrowed from the client (TensorFromFlat) or owned by the tensor (outputs of
// Session.Run).
type Tensor struct {
	backend    *Backend
	dtype      dtypes.DType
	dimensions []int
	valid      bool

	// flat is always a slice of the Go type of dtype.
	flat any
}

// DType implements backends.Tensor.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dimensions implements backends.Tensor.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.dimensions) }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("simplego.Tensor(%s%v)", t.dtype, t.dimensions)
}

// Finalize implements backends.Tensor.
// Finalizing a tensor twice returns an error.
func (t *Tensor) Finalize() error {
	if t == nil || !t.valid {
		return errors.Errorf("Tensor.Finalize(%p): tensor was already finalized!?", t)
	}
	t.valid = false
	t.flat = nil
	t.backend.liveTensors.Add(-1)
	return nil
}

func (b *Backend) newTensor(dtype dtypes.DType, dimensions []int, flat any) *Tensor {
	b.liveTensors.Add(1)
	return &Tensor{
		backend:    b,
		dtype:      dtype,
		dimensions: slices.Clone(dimensions),
		valid:      true,
		flat:       flat,
	}
}

// toTensor casts the backends.Tensor to the concrete type, checking it's valid.
func (b *Backend) toTensor(tensor backends.Tensor) (*Tensor, error) {
	t, ok := tensor.(*Tensor)
	if !ok {
		return nil, errors.Errorf("tensor %T is not a %q backend tensor", tensor, BackendName)
	}
	if t == nil || !t.valid {
		return nil, errors.Errorf("tensor %p has been finalized", t)
	}
	if t.backend != b {
		return nil, errors.Errorf("tensor %s belongs to a different backend instance", t)
	}
	return t, nil
}

func numElements(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// TensorFromFlat implements backends.DataInterface: the flat data is wrapped, not copied.
func (b *Backend) TensorFromFlat(flat any, dimensions ...int) (backends.Tensor, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("TensorFromFlat requires a slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatV.Type().Elem())
	if !Capabilities.DTypes[dtype] {
		return nil, errors.Errorf("TensorFromFlat: dtype %s (%T) not supported by backend %q", dtype, flat, BackendName)
	}
	for _, dim := range dimensions {
		if dim < 0 {
			return nil, errors.Errorf("TensorFromFlat: invalid dimensions %v", dimensions)
		}
	}
	if size := numElements(dimensions); size != flatV.Len() {
		return nil, errors.Errorf("TensorFromFlat: flat has %d elements, dimensions %v require %d",
			flatV.Len(), dimensions, size)
	}
	return b.newTensor(dtype, dimensions, flat), nil
}

// TensorToFlat implements backends.DataInterface.
func (b *Backend) TensorToFlat(tensor backends.Tensor, flat any) error {
	t, err := b.toTensor(tensor)
	if err != nil {
		return err
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || dtypes.FromGoType(flatV.Type().Elem()) != t.dtype {
		return errors.Errorf("TensorToFlat: flat of type %T is incompatible with tensor dtype %s", flat, t.dtype)
	}
	if flatV.Len() != numElements(t.dimensions) {
		return errors.Errorf("TensorToFlat: flat has %d elements, tensor %s has %d",
			flatV.Len(), t, numElements(t.dimensions))
	}
	reflect.Copy(flatV, reflect.ValueOf(t.flat))
	return nil
}

// value is the internal representation of the values computed by the graph.
type value struct {
	dtype      dtypes.DType
	dimensions []int
	data       []float64
}

func (v *value) size() int { return len(v.data) }

func (v *value) isScalar() bool { return len(v.dimensions) == 0 }

// valueFromTensor converts the tensor's flat data to a value. It always copies.
func valueFromTensor(t *Tensor) *value {
	v := &value{dtype: t.dtype, dimensions: slices.Clone(t.dimensions)}
	switch flat := t.flat.(type) {
	case []float32:
		v.data = convertToFloat64(flat)
	case []float64:
		v.data = slices.Clone(flat)
	case []int32:
		v.data = convertToFloat64(flat)
	case []int64:
		v.data = convertToFloat64(flat)
	case []uint8:
		v.data = convertToFloat64(flat)
	default:
		exceptions.Panicf("tensor %s has unsupported flat type %T", t, t.flat)
	}
	return v
}

func convertToFloat64[T float32 | int32 | int64 | uint8](flat []T) []float64 {
	data := make([]float64, len(flat))
	for ii, x := range flat {
		data[ii] = float64(x)
	}
	return data
}

// toFlat converts the value to a newly allocated flat slice of the Go type of its dtype.
func (v *value) toFlat() any {
	switch v.dtype {
	case dtypes.Float32:
		flat := make([]float32, len(v.data))
		for ii, x := range v.data {
			flat[ii] = float32(x)
		}
		return flat
	case dtypes.Float64:
		return slices.Clone(v.data)
	case dtypes.Int32:
		flat := make([]int32, len(v.data))
		for ii, x := range v.data {
			flat[ii] = int32(x)
		}
		return flat
	case dtypes.Int64:
		flat := make([]int64, len(v.data))
		for ii, x := range v.data {
			flat[ii] = int64(x)
		}
		return flat
	case dtypes.Uint8:
		flat := make([]uint8, len(v.data))
		for ii, x := range v.data {
			flat[ii] = uint8(int64(x))
		}
		return flat
	default:
		exceptions.Panicf("dtype %s not supported by backend %q", v.dtype, BackendName)
		return nil
	}
}
