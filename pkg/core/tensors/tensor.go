// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the host `Tensor` used by GraphNet layers: a multidimensional array of float32 values
// backed by a `Storage`, with an offset into the storage and per-axis strides.
//
// Several tensors can share the same storage (views): Transpose and Narrow return views, and they may not be
// contiguous. Code exchanging data with an execution engine requires contiguous tensors (see IsContiguous),
// since the engine sees the window `[Offset, Offset+Size)` of the storage as a flat row-major array.
//
// There are various ways to construct a Tensor:
//
//   - Empty(): a tensor with no storage and no elements -- it can later be Resize'd.
//   - FromDimensions(dimensions ...int): a contiguous tensor filled with zeros.
//   - FromScalar(value float32): a scalar (rank 0) tensor.
//   - FromFlatDataAndDimensions(data []float32, dimensions ...int): a contiguous tensor that takes ownership of data.
//   - FromValue(value any): a tensor copied from a float32 scalar or a regular multidimensional [][]...float32 slice.
//
// Tensors are not safe for concurrent mutation.
package tensors

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Storage holds the flat float32 data of one or more tensors.
type Storage struct {
	data []float32
}

// NewStorage returns a zero-initialized Storage with size elements.
func NewStorage(size int) *Storage {
	return &Storage{data: make([]float32, size)}
}

// Len returns the number of elements in the storage.
func (s *Storage) Len() int {
	if s == nil {
		return 0
	}
	return len(s.data)
}

// Data returns the underlying flat data. It is not a copy.
func (s *Storage) Data() []float32 {
	if s == nil {
		return nil
	}
	return s.data
}

// Tensor is a strided view over a Storage of float32 values.
type Tensor struct {
	storage    *Storage
	offset     int
	dimensions []int
	strides    []int
}

// Empty returns a tensor with no storage and no elements.
func Empty() *Tensor {
	return &Tensor{dimensions: []int{0}, strides: []int{1}}
}

// FromDimensions returns a contiguous tensor with the given dimensions, filled with zeros.
// A tensor without dimensions is a scalar.
func FromDimensions(dimensions ...int) *Tensor {
	dimensions = slices.Clone(dimensions)
	size := sizeOf(dimensions)
	return &Tensor{
		storage:    NewStorage(size),
		dimensions: dimensions,
		strides:    rowMajorStrides(dimensions),
	}
}

// FromScalar returns a rank 0 tensor holding value.
func FromScalar(value float32) *Tensor {
	return FromFlatDataAndDimensions([]float32{value})
}

// FromFlatDataAndDimensions returns a contiguous tensor with the given dimensions using data as its storage.
// The data is not copied, and the tensor takes ownership of it.
//
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	dimensions = slices.Clone(dimensions)
	if size := sizeOf(dimensions); size != len(data) {
		exceptions.Panicf("FromFlatDataAndDimensions(%v): data size is %d, but dimensions size is %d",
			dimensions, len(data), size)
	}
	return &Tensor{
		storage:    &Storage{data: data},
		dimensions: dimensions,
		strides:    rowMajorStrides(dimensions),
	}
}

// FromValue returns a tensor with a copy of value, which must be a float32 or a regular multidimensional
// slice of float32 (e.g.: [][]float32{{1, 2}, {3, 4}}).
//
// It panics if value is not supported, or if the sub-slices are irregular.
func FromValue(value any) *Tensor {
	var dimensions []int
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Slice {
		dimensions = append(dimensions, v.Len())
		if v.Len() == 0 {
			break
		}
		v = v.Index(0)
	}
	if v.IsValid() && v.Kind() != reflect.Float32 && v.Kind() != reflect.Slice {
		exceptions.Panicf("FromValue(%T): only float32 and (multidimensional) slices of float32 are supported", value)
	}
	t := FromDimensions(dimensions...)
	flat := make([]float32, 0, t.Size())
	flattenValue(reflect.ValueOf(value), dimensions, &flat)
	copy(t.storage.data, flat)
	return t
}

func flattenValue(v reflect.Value, dimensions []int, flat *[]float32) {
	if len(dimensions) == 0 {
		*flat = append(*flat, float32(v.Float()))
		return
	}
	if v.Len() != dimensions[0] {
		exceptions.Panicf("FromValue: irregular slice, wanted dimension %d, got %d", dimensions[0], v.Len())
	}
	for ii := range v.Len() {
		flattenValue(v.Index(ii), dimensions[1:], flat)
	}
}

func sizeOf(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

func rowMajorStrides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.dimensions) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return sizeOf(t.dimensions) }

// Storage returns the storage backing the tensor, possibly shared with other tensors.
func (t *Tensor) Storage() *Storage { return t.storage }

// Offset returns the position of the first element of the tensor in its Storage.
func (t *Tensor) Offset() int { return t.offset }

// Strides returns a copy of the tensor's strides.
func (t *Tensor) Strides() []int { return slices.Clone(t.strides) }

// IsEmpty returns whether the tensor has no elements.
func (t *Tensor) IsEmpty() bool { return t.storage == nil || t.Size() == 0 }

// IsContiguous returns whether the elements of the tensor are laid out in row-major order, without gaps,
// starting at Offset.
func (t *Tensor) IsContiguous() bool {
	expected := 1
	for axis := len(t.dimensions) - 1; axis >= 0; axis-- {
		if t.dimensions[axis] == 1 {
			continue
		}
		if t.strides[axis] != expected {
			return false
		}
		expected *= t.dimensions[axis]
	}
	return true
}

// SameDimensions returns whether t and other have the same dimensions.
func (t *Tensor) SameDimensions(other *Tensor) bool {
	return slices.Equal(t.dimensions, other.dimensions)
}

// Resize changes the tensor to the given dimensions, contiguous from the current offset.
// The storage is reallocated, preserving its current prefix, if it is too small.
// Contents are otherwise undefined after a resize that changes the layout.
func (t *Tensor) Resize(dimensions ...int) *Tensor {
	dimensions = slices.Clone(dimensions)
	needed := t.offset + sizeOf(dimensions)
	if t.storage.Len() < needed {
		storage := NewStorage(needed)
		copy(storage.data, t.storage.Data())
		t.storage = storage
	}
	t.dimensions = dimensions
	t.strides = rowMajorStrides(dimensions)
	return t
}

// ResizeAs resizes t to the dimensions of other.
func (t *Tensor) ResizeAs(other *Tensor) *Tensor {
	return t.Resize(other.dimensions...)
}

// Transpose returns a view of t with axis0 and axis1 swapped. The view shares the storage and, in general,
// is not contiguous.
func (t *Tensor) Transpose(axis0, axis1 int) *Tensor {
	view := t.view()
	view.dimensions[axis0], view.dimensions[axis1] = view.dimensions[axis1], view.dimensions[axis0]
	view.strides[axis0], view.strides[axis1] = view.strides[axis1], view.strides[axis0]
	return view
}

// Narrow returns a view of t restricted to [start, start+length) on the given axis.
func (t *Tensor) Narrow(axis, start, length int) *Tensor {
	if start < 0 || length < 0 || start+length > t.dimensions[axis] {
		exceptions.Panicf("Narrow(axis=%d, start=%d, length=%d) out of bounds for dimensions %v",
			axis, start, length, t.dimensions)
	}
	view := t.view()
	view.offset += start * t.strides[axis]
	view.dimensions[axis] = length
	return view
}

func (t *Tensor) view() *Tensor {
	return &Tensor{
		storage:    t.storage,
		offset:     t.offset,
		dimensions: slices.Clone(t.dimensions),
		strides:    slices.Clone(t.strides),
	}
}

// forEachIndex calls fn with the storage position of each element, in row-major logical order.
func (t *Tensor) forEachIndex(fn func(pos int)) {
	if t.IsEmpty() {
		return
	}
	rank := len(t.dimensions)
	indices := make([]int, rank)
	pos := t.offset
	for {
		fn(pos)
		axis := rank - 1
		for ; axis >= 0; axis-- {
			indices[axis]++
			pos += t.strides[axis]
			if indices[axis] < t.dimensions[axis] {
				break
			}
			pos -= indices[axis] * t.strides[axis]
			indices[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}

// ConstFlatData calls accessFn with the contiguous window of the storage holding the tensor values.
// The slice is not a copy, and it should not be changed.
//
// It returns an error if the tensor is not contiguous.
func (t *Tensor) ConstFlatData(accessFn func(flat []float32)) error {
	return t.MutableFlatData(accessFn)
}

// MutableFlatData calls accessFn with the contiguous window of the storage holding the tensor values.
// Changes to the slice change the tensor (and any other view sharing the storage).
//
// It returns an error if the tensor is not contiguous.
func (t *Tensor) MutableFlatData(accessFn func(flat []float32)) error {
	if !t.IsContiguous() {
		return errors.Errorf("tensor with dimensions %v and strides %v is not contiguous", t.dimensions, t.strides)
	}
	if t.IsEmpty() {
		accessFn(nil)
		return nil
	}
	accessFn(t.storage.data[t.offset : t.offset+t.Size()])
	return nil
}

// Flat returns a copy of the values of the tensor in row-major order. It works for non-contiguous tensors.
func (t *Tensor) Flat() []float32 {
	flat := make([]float32, 0, t.Size())
	t.forEachIndex(func(pos int) {
		flat = append(flat, t.storage.data[pos])
	})
	return flat
}

// Fill sets all elements of the tensor to value.
func (t *Tensor) Fill(value float32) *Tensor {
	t.forEachIndex(func(pos int) {
		t.storage.data[pos] = value
	})
	return t
}

// Zero sets all elements to 0.
func (t *Tensor) Zero() *Tensor {
	return t.Fill(0)
}

// CopyFrom copies the values of other (in row-major order) into t. Both must have the same size.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if t.Size() != other.Size() {
		return errors.Errorf("CopyFrom: size mismatch, tensor has %d elements (%v), source has %d (%v)",
			t.Size(), t.dimensions, other.Size(), other.dimensions)
	}
	values := other.Flat()
	ii := 0
	t.forEachIndex(func(pos int) {
		t.storage.data[pos] = values[ii]
		ii++
	})
	return nil
}

// AddInPlace adds other to t, element-wise. Both must have the same size.
func (t *Tensor) AddInPlace(other *Tensor) error {
	if t.Size() != other.Size() {
		return errors.Errorf("AddInPlace: size mismatch, tensor has %d elements (%v), other has %d (%v)",
			t.Size(), t.dimensions, other.Size(), other.dimensions)
	}
	values := other.Flat()
	ii := 0
	t.forEachIndex(func(pos int) {
		t.storage.data[pos] += values[ii]
		ii++
	})
	return nil
}

// Clone returns a contiguous copy of t with its own storage.
func (t *Tensor) Clone() *Tensor {
	if t.storage == nil {
		return Empty()
	}
	return FromFlatDataAndDimensions(t.Flat(), t.dimensions...)
}

// Contiguous returns t itself if it is contiguous, or a contiguous copy otherwise.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	return t.Clone()
}

// Value returns a copy of the tensor as a float32 (scalars) or a multidimensional slice of float32.
func (t *Tensor) Value() any {
	flat := t.Flat()
	if t.Rank() == 0 {
		return flat[0]
	}
	sliceType := reflect.TypeOf(float32(0))
	for range t.dimensions {
		sliceType = reflect.SliceOf(sliceType)
	}
	return buildSlices(sliceType, flat, t.dimensions).Interface()
}

func buildSlices(sliceType reflect.Type, flat []float32, dimensions []int) reflect.Value {
	if len(dimensions) == 1 {
		return reflect.ValueOf(slices.Clone(flat))
	}
	result := reflect.MakeSlice(sliceType, dimensions[0], dimensions[0])
	step := sizeOf(dimensions[1:])
	for ii := range dimensions[0] {
		result.Index(ii).Set(buildSlices(sliceType.Elem(), flat[ii*step:(ii+1)*step], dimensions[1:]))
	}
	return result
}

// Equal returns whether t and other have the same dimensions and values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.SameDimensions(other) && slices.Equal(t.Flat(), other.Flat())
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.storage == nil {
		return "Tensor(empty)"
	}
	if t.Size() > 64 {
		return fmt.Sprintf("Tensor%v(%d elements)", t.dimensions, t.Size())
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v: %v", t.dimensions, t.Value())
	return sb.String()
}
