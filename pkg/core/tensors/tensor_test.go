// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValue(t *testing.T) {
	x := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	assert.Equal(t, []int{2, 3}, x.Dimensions())
	assert.Equal(t, 6, x.Size())
	assert.True(t, x.IsContiguous())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, x.Flat())
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, x.Value())

	s := FromScalar(7)
	assert.Equal(t, 0, s.Rank())
	assert.Equal(t, float32(7), s.Value())

	require.Panics(t, func() { FromValue([][]float32{{1, 2}, {3}}) })
	require.Panics(t, func() { FromValue([]int{1}) })
}

func TestViews(t *testing.T) {
	x := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	xT := x.Transpose(0, 1)
	assert.Equal(t, []int{3, 2}, xT.Dimensions())
	assert.False(t, xT.IsContiguous())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, xT.Flat())
	require.Error(t, xT.ConstFlatData(func([]float32) {}))

	// Narrowing on the first axis keeps the view contiguous, with an offset.
	row := x.Narrow(0, 1, 1)
	assert.True(t, row.IsContiguous())
	assert.Equal(t, 3, row.Offset())
	require.NoError(t, row.ConstFlatData(func(flat []float32) {
		assert.Equal(t, []float32{4, 5, 6}, flat)
	}))

	// Narrowing on the last axis is not contiguous.
	col := x.Narrow(1, 1, 1)
	assert.False(t, col.IsContiguous())
	assert.Equal(t, []float32{2, 5}, col.Flat())

	// Views share the storage.
	row.Fill(0)
	assert.Equal(t, []float32{1, 2, 3, 0, 0, 0}, x.Flat())
	assert.Equal(t, xT.Contiguous().Flat(), xT.Flat())
}

func TestResizeAndAccumulate(t *testing.T) {
	acc := Empty()
	assert.True(t, acc.IsEmpty())
	acc.Resize(2, 2)
	assert.False(t, acc.IsEmpty())
	assert.Equal(t, []float32{0, 0, 0, 0}, acc.Flat())

	require.NoError(t, acc.AddInPlace(FromValue([][]float32{{1, 2}, {3, 4}})))
	require.NoError(t, acc.AddInPlace(FromValue([][]float32{{1, 1}, {1, 1}})))
	assert.Equal(t, []float32{2, 3, 4, 5}, acc.Flat())
	require.Error(t, acc.AddInPlace(FromDimensions(3)))

	// Growing keeps the prefix of the storage.
	acc.Resize(5)
	assert.Equal(t, []float32{2, 3, 4, 5, 0}, acc.Flat())

	dst := FromDimensions(2, 2)
	require.NoError(t, dst.CopyFrom(FromValue([][]float32{{1, 2}, {3, 4}}).Transpose(0, 1)))
	assert.Equal(t, []float32{1, 3, 2, 4}, dst.Flat())
	assert.True(t, dst.Equal(FromValue([][]float32{{1, 3}, {2, 4}})))
	assert.Equal(t, []float32{0, 0, 0, 0}, dst.Zero().Flat())
}
