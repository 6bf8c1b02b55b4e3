// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/pkg/core/graphdef"
	"golang.org/x/sync/errgroup"
)

// castValue returns v converted to dtype: integer dtypes truncate toward zero, Uint8 wraps around
// after truncation, Float32 rounds to the nearest float32.
func castValue(v *value, dtype dtypes.DType) *value {
	result := &value{dtype: dtype, dimensions: slices.Clone(v.dimensions), data: make([]float64, len(v.data))}
	for ii, x := range v.data {
		switch dtype {
		case dtypes.Float32:
			x = float64(float32(x))
		case dtypes.Int32:
			x = float64(int32(x))
		case dtypes.Int64:
			x = math.Trunc(x)
		case dtypes.Uint8:
			x = float64(uint8(int64(x)))
		}
		result.data[ii] = x
	}
	return result
}

func unaryOp(v *value, fn func(x float64) float64) *value {
	result := &value{dtype: v.dtype, dimensions: slices.Clone(v.dimensions), data: make([]float64, len(v.data))}
	for ii, x := range v.data {
		result.data[ii] = fn(x)
	}
	return castValue(result, v.dtype)
}

// binaryOp applies fn element-wise. Operands must have the same dimensions, or one of them must be a scalar.
// The result takes the dtype of the first operand.
func binaryOp(node *graphdef.Node, lhs, rhs *value, fn func(x, y float64) float64) *value {
	if lhs.dtype != rhs.dtype {
		exceptions.Panicf("node %q (%s): operands have different dtypes %s and %s", node.Name, node.Op, lhs.dtype, rhs.dtype)
	}
	var dimensions []int
	switch {
	case slices.Equal(lhs.dimensions, rhs.dimensions):
		dimensions = lhs.dimensions
	case rhs.isScalar():
		dimensions = lhs.dimensions
	case lhs.isScalar():
		dimensions = rhs.dimensions
	default:
		exceptions.Panicf("node %q (%s): incompatible dimensions %v and %v", node.Name, node.Op, lhs.dimensions, rhs.dimensions)
	}
	result := &value{dtype: lhs.dtype, dimensions: slices.Clone(dimensions), data: make([]float64, numElements(dimensions))}
	for ii := range result.data {
		x, y := lhs.data[0], rhs.data[0]
		if !lhs.isScalar() {
			x = lhs.data[ii]
		}
		if !rhs.isScalar() {
			y = rhs.data[ii]
		}
		result.data[ii] = fn(x, y)
	}
	return castValue(result, lhs.dtype)
}

// matMul multiplies two matrices, optionally transposed. Rows of the result are split among
// the session's intra-op threads, if more than one is configured.
func (e *evaluation) matMul(node *graphdef.Node, a, b *value) *value {
	if len(a.dimensions) != 2 || len(b.dimensions) != 2 {
		exceptions.Panicf("node %q (MatMul): operands must be matrices, got dimensions %v and %v",
			node.Name, a.dimensions, b.dimensions)
	}
	if a.dtype != b.dtype {
		exceptions.Panicf("node %q (MatMul): operands have different dtypes %s and %s", node.Name, a.dtype, b.dtype)
	}
	rows, inner := a.dimensions[0], a.dimensions[1]
	aAt := func(row, col int) float64 { return a.data[row*inner+col] }
	if node.TransposeA {
		rows, inner = inner, rows
		aAt = func(row, col int) float64 { return a.data[col*rows+row] }
	}
	bRows, cols := b.dimensions[0], b.dimensions[1]
	bAt := func(row, col int) float64 { return b.data[row*cols+col] }
	if node.TransposeB {
		bRows, cols = cols, bRows
		bAt = func(row, col int) float64 { return b.data[col*bRows+row] }
	}
	if inner != bRows {
		exceptions.Panicf("node %q (MatMul): inner dimensions don't match for %v x %v (transpose_a=%v, transpose_b=%v)",
			node.Name, a.dimensions, b.dimensions, node.TransposeA, node.TransposeB)
	}

	result := &value{dtype: a.dtype, dimensions: []int{rows, cols}, data: make([]float64, rows*cols)}
	computeRow := func(row int) {
		for col := range cols {
			var sum float64
			for k := range inner {
				sum += aAt(row, k) * bAt(k, col)
			}
			result.data[row*cols+col] = sum
		}
	}
	if threads := e.session.config.IntraOpThreads; threads > 1 && rows > 1 {
		var g errgroup.Group
		g.SetLimit(threads)
		for row := range rows {
			g.Go(func() error {
				computeRow(row)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for row := range rows {
			computeRow(row)
		}
	}
	return castValue(result, a.dtype)
}
