// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphnet

import (
	"bytes"
	"encoding/gob"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends/simplego"
	"github.com/gomlx/graphnet/pkg/core/capsule"
	"github.com/gomlx/graphnet/pkg/core/graphdef"
	"github.com/gomlx/graphnet/pkg/core/sessionconfig"
	"github.com/gomlx/graphnet/pkg/core/tensors"
	"github.com/gomlx/graphnet/pkg/ml/layers"
	"github.com/gomlx/graphnet/pkg/support/errs"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// backend is shared by most tests, so their graphs are imported once.
var backend = simplego.New()

// checkLeaks verifies, at the end of the test, that no native tensor or session leaked.
// It must be called before any Net of the test is created.
func checkLeaks(t *testing.T) {
	t.Cleanup(func() {
		assert.Equal(t, 0, backend.LiveTensors(), "native tensors leaked")
		assert.Equal(t, 0, backend.LiveSessions(), "sessions leaked")
	})
}

// newTestNet creates a Net, finalized at the end of the test.
func newTestNet(t *testing.T, def *graphdef.Def, meta Meta, config []byte) *Net {
	n, err := New(backend, def.Marshal(), "", meta, config)
	require.NoError(t, err)
	finalizeOnCleanup(t, n)
	return n
}

func finalizeOnCleanup(t *testing.T, n *Net) {
	t.Cleanup(func() { require.NoError(t, n.Finalize()) })
}

// productDef builds y = x * w, with its backward part.
func productDef() (def *graphdef.Def, meta Meta) {
	def = graphdef.New()
	x := def.Placeholder("x", dtypes.Float32, 3)
	w := def.Variable("w", dtypes.Float32, []float64{2, 3, 4}, 3)
	y := def.Op(graphdef.OpMul, "y", x, w)
	yGrad := def.Placeholder("y_grad", dtypes.Float32, 3)
	def.Op(graphdef.OpMul, "x_grad", yGrad, w)
	def.Op(graphdef.OpMul, "w_grad", yGrad, x)
	return def, Meta{InputNames: []string{x}, OutputNames: []string{y}, VariableNames: []string{w}}
}

func TestMeta(t *testing.T) {
	_, meta := productDef()
	assert.False(t, Meta{}.HasBackward())
	assert.True(t, meta.HasBackward())
	assert.Equal(t, []string{"y_grad:0"}, meta.GradOutputNames())

	full := meta.WithDefaults()
	assert.Equal(t, []string{"x_grad:0"}, full.GradInputNames)
	assert.Equal(t, []string{"w_grad:0"}, full.GradVariableNames)
	require.NoError(t, full.Validate())
	assert.Len(t, full.AllNames(), 5)

	data := must.M1(MarshalMeta(full))
	parsed := must.M1(ParseMeta(data))
	if diff := cmp.Diff(full, parsed); diff != "" {
		t.Errorf("ParseMeta(MarshalMeta(meta)) mismatch (-want +got):\n%s", diff)
	}
	parsed = must.M1(ParseMeta([]byte(`{"input_names": ["a:0"], "output_names": ["b:0"], "temp_tensors": ["c:0"]}`)))
	assert.Equal(t, Meta{InputNames: []string{"a:0"}, OutputNames: []string{"b:0"}, TempTensorNames: []string{"c:0"}},
		parsed)
	_, err := ParseMeta([]byte("{"))
	require.Error(t, err)

	for _, bad := range []Meta{
		{InputNames: []string{"a:0"}},
		{InputNames: []string{"a:0", "a:0"}, OutputNames: []string{"b:0"}},
		{InputNames: []string{"a:0"}, OutputNames: []string{"b:0"}, VariableNames: []string{"w:0"},
			GradInputNames: []string{"a_grad:0", "b_grad:0"}, GradVariableNames: []string{"w_grad:0"}},
	} {
		err := bad.Validate()
		require.Errorf(t, err, "meta %+v", bad)
		assert.ErrorIs(t, err, errs.ErrPrecondition)
	}
}

func TestForwardOutputs(t *testing.T) {
	def := graphdef.New()
	x := def.Placeholder("x", dtypes.Float32, 2)
	neg := def.Op(graphdef.OpNeg, "neg", x)
	double := def.Op(graphdef.OpAdd, "double", x, x)
	truncated := def.Cast("truncated", x, dtypes.Int32)
	input := layers.Single(tensors.FromValue([]float32{1.7, -2.5}))

	t.Run("single", func(t *testing.T) {
		checkLeaks(t)
		n := newTestNet(t, def, Meta{InputNames: []string{x}, OutputNames: []string{neg}}, nil)
		output, err := n.Forward(input)
		require.NoError(t, err)
		require.False(t, output.IsMultiple())
		assert.Equal(t, []int{2}, output.Tensor().Dimensions())
		assert.Equal(t, []float32{-1.7, 2.5}, output.Tensor().Flat())
		assert.Equal(t, 0, n.LiveHandles())
	})

	t.Run("multiple", func(t *testing.T) {
		checkLeaks(t)
		n := newTestNet(t, def, Meta{InputNames: []string{x}, OutputNames: []string{neg, double, truncated}},
			sessionconfig.Config{IntraOpThreads: 2}.Encode())
		for range 2 {
			output, err := n.Forward(input)
			require.NoError(t, err)
			require.True(t, output.IsMultiple())
			require.Equal(t, 3, output.Len())
			assert.Equal(t, []float32{-1.7, 2.5}, output.At(0).Flat())
			assert.Equal(t, []float32{3.4, -5}, output.At(1).Flat())
			// Int32 output is fetched through the cast to float, truncated toward zero.
			assert.Equal(t, []float32{1, -2}, output.At(2).Flat())
		}
		assert.True(t, n.Graph().HasTensor(simplego.CastName("truncated", dtypes.Float32)+":0"))
		assert.Equal(t, 0, n.LiveHandles())
	})
}

func TestPreconditions(t *testing.T) {
	checkLeaks(t)
	def, meta := productDef()
	n := newTestNet(t, def, meta, nil)
	x := tensors.FromValue([]float32{1, 2, 3})

	_, err := n.Forward(layers.Multiple(x, x))
	require.ErrorIs(t, err, errs.ErrPrecondition)
	assert.ErrorContains(t, err, "x:0")

	// Transposed views are not contiguous.
	m := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}).Transpose(0, 1)
	_, err = n.Forward(layers.Single(m))
	require.ErrorIs(t, err, errs.ErrPrecondition)

	_, err = n.Backward(layers.Single(x), layers.Multiple())
	require.ErrorIs(t, err, errs.ErrPrecondition)
	require.ErrorIs(t, n.AccGradParameters(), errs.ErrPrecondition, "AccGradParameters before Backward")

	_, err = New(backend, def.Marshal(), "", Meta{InputNames: []string{"x:0"}, OutputNames: []string{"missing:0"}},
		nil)
	require.ErrorContains(t, err, "missing:0")
	assert.Equal(t, 0, n.LiveHandles())
}

func TestBackwardWithoutVariables(t *testing.T) {
	checkLeaks(t)
	def := graphdef.New()
	x := def.Placeholder("x", dtypes.Float32, -1, 2)
	y := def.Op(graphdef.OpRelu, "y", x)
	n := newTestNet(t, def, Meta{InputNames: []string{x}, OutputNames: []string{y}}, nil)
	n.Training()

	input := tensors.FromValue([][]float32{{1, -1}, {2, -2}, {3, -3}})
	_, err := n.Forward(layers.Single(input))
	require.NoError(t, err)
	live := backend.LiveTensors()
	gradInput, err := n.Backward(layers.Single(input), layers.Single(tensors.FromDimensions(3, 2).Fill(1)))
	require.NoError(t, err)
	assert.Equal(t, live, backend.LiveTensors(), "Backward without variables must not call the engine")
	assert.Equal(t, []int{3, 2}, gradInput.Tensor().Dimensions())
	assert.Equal(t, make([]float32, 6), gradInput.Tensor().Flat())
	require.NoError(t, n.AccGradParameters())
	weights, gradWeights := n.Parameters()
	assert.Empty(t, weights)
	assert.Empty(t, gradWeights)
}

func TestProductRule(t *testing.T) {
	checkLeaks(t)
	def, meta := productDef()
	n := newTestNet(t, def, meta, nil)
	weights, gradWeights := n.Parameters()
	require.Len(t, weights, 1)
	assert.Equal(t, []float32{2, 3, 4}, weights[0].Flat(), "weights initialized from the session variables")
	assert.Equal(t, []float32{0, 0, 0}, gradWeights[0].Flat())

	n.Training()
	x := tensors.FromValue([]float32{1, 2, 3})
	ones := tensors.FromValue([]float32{1, 1, 1})
	for step := 1; step <= 2; step++ {
		y, err := n.Forward(layers.Single(x))
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 6, 12}, y.Tensor().Flat())
		assert.Equal(t, 1, n.LiveHandles(), "input kept for Backward")

		gradInput, err := n.Backward(layers.Single(x), layers.Single(ones))
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 3, 4}, gradInput.Tensor().Flat())
		assert.Equal(t, 1, n.LiveHandles(), "gradient of the weight kept for AccGradParameters")

		require.NoError(t, n.AccGradParameters())
		assert.Equal(t, 0, n.LiveHandles())
		assert.Equal(t, []float32{float32(step), float32(2 * step), float32(3 * step)}, gradWeights[0].Flat())
	}

	// Reset copies the session variables and zeroes the accumulated gradients.
	require.NoError(t, n.Reset())
	assert.Equal(t, []float32{2, 3, 4}, weights[0].Flat())
	assert.Equal(t, []float32{0, 0, 0}, gradWeights[0].Flat())
	_, err := n.Forward(layers.Single(x))
	require.NoError(t, err)
	assert.Equal(t, 1, n.LiveHandles(), "input kept for Backward")
	_, err = n.Forward(layers.Single(x))
	require.NoError(t, err)
	assert.Equal(t, 1, n.LiveHandles(), "stale input released by the next Forward")
	n.ZeroGradParameters()
	assert.Equal(t, []float32{0, 0, 0}, gradWeights[0].Flat())
}

func TestSetWeight(t *testing.T) {
	checkLeaks(t)
	def, meta := productDef()
	n := newTestNet(t, def, meta, nil)
	require.NoError(t, n.SetWeight("w:0", tensors.FromValue([]float32{5, 5, 5})))

	// Forward and Backward both see the new value.
	n.Training()
	x := layers.Single(tensors.FromValue([]float32{1, 2, 3}))
	y, err := n.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 10, 15}, y.Tensor().Flat())
	gradInput, err := n.Backward(x, layers.Single(tensors.FromValue([]float32{1, 1, 1})))
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 5, 5}, gradInput.Tensor().Flat())
	require.NoError(t, n.AccGradParameters())
	weights, gradWeights := n.Parameters()
	assert.Equal(t, []float32{1, 2, 3}, gradWeights[0].Flat())

	// Reset reads back the assigned value.
	require.NoError(t, n.Reset())
	assert.Equal(t, []float32{5, 5, 5}, weights[0].Flat())
	assert.Equal(t, []float32{0, 0, 0}, gradWeights[0].Flat())

	// A value with the wrong dimensions is rejected, and changes nothing.
	err = n.SetWeight("w:0", tensors.FromValue([]float32{7, 7}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBroken)
	assert.Equal(t, []float32{5, 5, 5}, weights[0].Flat())
	y, err = n.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 10, 15}, y.Tensor().Flat())
}

func TestBackendInstances(t *testing.T) {
	checkLeaks(t)
	def, meta := productDef()
	n := newTestNet(t, def, meta, nil)

	other := simplego.New()
	defer other.Finalize()
	n2, err := New(other, def.Marshal(), "", meta, nil)
	require.NoError(t, err)
	assert.Equal(t, n.ID(), n2.ID())
	assert.NotSame(t, n.Graph(), n2.Graph(), "each backend imports its own graph")

	x := layers.Single(tensors.FromValue([]float32{1, 2, 3}))
	for _, net := range []*Net{n, n2} {
		y, err := net.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 6, 12}, y.Tensor().Flat())
	}
	require.NoError(t, n2.Finalize())
	assert.Equal(t, 0, other.LiveTensors())
	assert.Equal(t, 0, other.LiveSessions())
}

func TestInferenceWeights(t *testing.T) {
	checkLeaks(t)
	def, meta := productDef()
	n := newTestNet(t, def, meta, nil)
	assert.False(t, n.IsTraining())
	x := layers.Single(tensors.FromValue([]float32{1, 2, 3}))

	for range 3 {
		y, err := n.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 6, 12}, y.Tensor().Flat())
		assert.Equal(t, 1, n.LiveHandles(), "only the native weight is kept in inference mode")
	}
	require.NoError(t, n.SetWeight("w:0", tensors.FromValue([]float32{-1, 0, 1})))
	y, err := n.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 0, 3}, y.Tensor().Flat())
	require.ErrorIs(t, n.SetWeight("v:0", tensors.FromScalar(1)), errs.ErrPrecondition)
	dtype, err := n.VariableDType("w:0")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dtype)
}

func TestTempTensors(t *testing.T) {
	checkLeaks(t)
	// out = relu(x · W), with h = x · W needed by Backward.
	def := graphdef.New()
	x := def.Placeholder("x", dtypes.Float32, 1, 2)
	w := def.Variable("W", dtypes.Float32, []float64{1, 2, 3, -4}, 2, 2)
	h := def.MatMul("h", x, w, false, false)
	out := def.Op(graphdef.OpRelu, "out", h)
	outGrad := def.Placeholder("out_grad", dtypes.Float32, 1, 2)
	hGrad := def.Op(graphdef.OpReluGrad, "h_grad", outGrad, h)
	def.MatMul("x_grad", hGrad, w, false, true)
	def.MatMul("W_grad", x, hGrad, true, false)
	meta := Meta{InputNames: []string{x}, OutputNames: []string{out}, VariableNames: []string{w},
		TempTensorNames: []string{h}}
	n := newTestNet(t, def, meta, nil)

	input := layers.Single(tensors.FromValue([][]float32{{1, -1}}))
	gradOutput := layers.Single(tensors.FromValue([][]float32{{1, 1}}))

	_, err := n.Forward(input)
	require.NoError(t, err)
	_, err = n.Backward(input, gradOutput)
	require.ErrorIs(t, err, errs.ErrPrecondition, "temp tensors are only fetched in training mode")

	n.Training()
	output, err := n.Forward(input)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 6}}, output.Tensor().Value())
	assert.Equal(t, 2, n.LiveHandles(), "input and temp tensor")
	gradInput, err := n.Backward(input, gradOutput)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, -4}}, gradInput.Tensor().Value())
	require.NoError(t, n.AccGradParameters())
	_, gradWeights := n.Parameters()
	assert.Equal(t, [][]float32{{0, 1}, {0, -1}}, gradWeights[0].Value())
	assert.Equal(t, 0, n.LiveHandles())
}

func TestBroken(t *testing.T) {
	checkLeaks(t)
	def, meta := productDef()
	n := newTestNet(t, def, meta, nil)
	_, err := n.Forward(layers.Single(tensors.FromValue([]float32{1, 2})))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBroken)

	_, err = n.Forward(layers.Single(tensors.FromValue([]float32{1, 2, 3})))
	require.ErrorIs(t, err, ErrBroken)
	require.ErrorIs(t, n.Reset(), ErrBroken)
	require.ErrorIs(t, n.WriteTo(capsule.NewBinaryStream(nil, &bytes.Buffer{})), ErrBroken)
}

func TestFolder(t *testing.T) {
	checkLeaks(t)
	def, meta := productDef()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFileName), def.Marshal(), 0o644))

	_, err := FromFolder(backend, dir, nil)
	require.ErrorContains(t, err, MetaFileName)

	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFileName), must.M1(MarshalMeta(meta)), 0o644))
	n, err := FromFolder(backend, dir, nil)
	require.NoError(t, err)
	finalizeOnCleanup(t, n)
	assert.Equal(t, ContentID(def.Marshal()), n.ID())
	assert.True(t, n.Meta().HasBackward())

	n2, err := FromFile(backend, filepath.Join(dir, GraphFileName), []string{"x:0"}, []string{"y:0"}, nil)
	require.NoError(t, err)
	finalizeOnCleanup(t, n2)
	assert.Equal(t, n.ID(), n2.ID())
	assert.Same(t, n.Graph(), n2.Graph(), "graph imported once")
	assert.False(t, n2.Meta().HasBackward())
	_, err = n2.Forward(layers.Single(tensors.FromValue([]float32{1, 1, 1})))
	require.NoError(t, err)
}

func TestWriteReadFrom(t *testing.T) {
	checkLeaks(t)
	def, meta := productDef()
	config := sessionconfig.Config{IntraOpThreads: 2, PerSessionThreads: true}.Encode()
	n := newTestNet(t, def, meta, config)
	require.NoError(t, n.SetWeight("w:0", tensors.FromValue([]float32{5, 5, 5})))

	var buf bytes.Buffer
	for _, s := range []capsule.Stream{
		capsule.NewBinaryStream(&buf, &buf),
		capsule.NewGobStream(gob.NewEncoder(&buf), gob.NewDecoder(&buf)),
	} {
		buf.Reset()
		require.NoError(t, n.WriteTo(s))
		n2, err := ReadFrom(s, backend)
		require.NoError(t, err)
		finalizeOnCleanup(t, n2)
		assert.Equal(t, n.ID(), n2.ID())
		assert.Equal(t, n.Meta(), n2.Meta())
		assert.Equal(t, config, n2.Config())
		weights, _ := n2.Parameters()
		assert.Equal(t, []float32{5, 5, 5}, weights[0].Flat())
		y, err := n2.Forward(layers.Single(tensors.FromValue([]float32{1, 2, 3})))
		require.NoError(t, err)
		assert.Equal(t, []float32{5, 10, 15}, y.Tensor().Flat())

		// The shipped weights are the session state of the new Net.
		n2.Training()
		x := layers.Single(tensors.FromValue([]float32{1, 2, 3}))
		_, err = n2.Forward(x)
		require.NoError(t, err)
		gradInput, err := n2.Backward(x, layers.Single(tensors.FromValue([]float32{1, 1, 1})))
		require.NoError(t, err)
		assert.Equal(t, []float32{5, 5, 5}, gradInput.Tensor().Flat())
		require.NoError(t, n2.AccGradParameters())
		require.NoError(t, n2.Reset())
		assert.Equal(t, []float32{5, 5, 5}, weights[0].Flat())
	}

	_, err := ReadFrom(capsule.NewBinaryStream(bytes.NewReader(nil), nil), backend)
	require.Error(t, err)
}

func TestReadCorrupted(t *testing.T) {
	var buf bytes.Buffer
	w := capsule.NewBinaryStream(nil, &buf)
	require.NoError(t, w.WriteInt32(3))
	for range 3 {
		require.NoError(t, w.WriteInt32(math.MaxInt32))
	}
	_, err := readTensor(capsule.NewBinaryStream(&buf, nil))
	require.ErrorContains(t, err, "larger than")

	// A declared length beyond the end of the stream.
	buf.Reset()
	require.NoError(t, w.WriteInt32(1<<30))
	_, err = w.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = readBytes(capsule.NewBinaryStream(&buf, nil))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	buf.Reset()
	require.NoError(t, w.WriteInt32(-1))
	_, err = readTensor(capsule.NewBinaryStream(&buf, nil))
	require.Error(t, err)
}

func TestFinalize(t *testing.T) {
	def, meta := productDef()
	n, err := New(backend, def.Marshal(), "", meta, nil)
	require.NoError(t, err)
	n.Training()
	_, err = n.Forward(layers.Single(tensors.FromValue([]float32{1, 2, 3})))
	require.NoError(t, err)
	require.NotZero(t, backend.LiveTensors())
	require.NoError(t, n.Finalize())
	require.NoError(t, n.Finalize())
	assert.Equal(t, 0, backend.LiveTensors())
	assert.Equal(t, 0, backend.LiveSessions())
	_, err = n.Forward(layers.Single(tensors.FromValue([]float32{1, 2, 3})))
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrPrecondition))
}
