// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/graphdef"
	"github.com/gomlx/graphnet/pkg/core/sessionconfig"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// setup imports the graph into a fresh backend and opens a session over it.
// The session is closed and leaks are checked at the end of the test.
func setup(t *testing.T, def *graphdef.Def, config []byte) (*Backend, backends.Session) {
	backend := New()
	graph, err := backend.ImportGraph(def.Marshal())
	require.NoError(t, err)
	session, err := backend.NewSession(graph, config)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, session.Close())
		graph.Finalize()
		assert.Equal(t, 0, backend.LiveTensors(), "native tensors leaked")
		assert.Equal(t, 0, backend.LiveSessions(), "sessions leaked")
		backend.Finalize()
	})
	return backend, session
}

// fetch runs the session and returns the flat values of the outputs, finalizing the native tensors.
func fetch[T float32 | float64 | int32 | int64 | uint8](t *testing.T, backend *Backend, session backends.Session,
	feeds []backends.Feed, fetches ...string) [][]T {
	outputs, err := session.Run(feeds, fetches)
	require.NoError(t, err)
	require.Len(t, outputs, len(fetches))
	results := make([][]T, len(outputs))
	for ii, output := range outputs {
		results[ii] = make([]T, numElements(output.Dimensions()))
		require.NoError(t, backend.TensorToFlat(output, results[ii]))
		require.NoError(t, output.Finalize())
	}
	return results
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, backends.List(), BackendName)
	b, err := backends.NewWithConfig(BackendName)
	require.NoError(t, err)
	assert.Equal(t, BackendName, b.Name())
	_, ok := b.(*Backend)
	assert.True(t, ok)
	b.Finalize()
}

func TestTensorFromFlat(t *testing.T) {
	backend := New()
	defer backend.Finalize()

	flat := []int32{1, 2, 3, 4, 5, 6}
	tensor, err := backend.TensorFromFlat(flat, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int32, tensor.DType())
	assert.Equal(t, []int{2, 3}, tensor.Dimensions())
	assert.Equal(t, 1, backend.LiveTensors())

	got := make([]int32, 6)
	require.NoError(t, backend.TensorToFlat(tensor, got))
	assert.Equal(t, flat, got)
	require.Error(t, backend.TensorToFlat(tensor, make([]float32, 6)), "wrong dtype")
	require.Error(t, backend.TensorToFlat(tensor, make([]int32, 5)), "wrong size")

	require.NoError(t, tensor.Finalize())
	require.Error(t, tensor.Finalize(), "double finalize")
	assert.Equal(t, 0, backend.LiveTensors())

	_, err = backend.TensorFromFlat([]float32{1, 2}, 3)
	require.Error(t, err, "size mismatch")
	_, err = backend.TensorFromFlat([]int16{1, 2}, 2)
	require.Error(t, err, "unsupported dtype")
	_, err = backend.TensorFromFlat(7.0)
	require.Error(t, err, "not a slice")
	assert.Equal(t, 0, backend.LiveTensors())
}

func TestVariablesAndFeeds(t *testing.T) {
	def := graphdef.New()
	x := def.Placeholder("x", dtypes.Float32, -1)
	w := def.Variable("w", dtypes.Float32, []float64{1, 2, 3}, 3)
	y := def.Op(graphdef.OpMul, "y", x, w)
	backend, session := setup(t, def, nil)

	xT := must.M1(backend.TensorFromFlat([]float32{2, 3, 4}, 3))
	defer func() { require.NoError(t, xT.Finalize()) }()
	results := fetch[float32](t, backend, session, []backends.Feed{{Name: x, Tensor: xT}}, y, w)
	assert.Equal(t, []float32{2, 6, 12}, results[0])
	assert.Equal(t, []float32{1, 2, 3}, results[1])

	// Feeding a variable overrides its value for this run only.
	wT := must.M1(backend.TensorFromFlat([]float32{-1, 0, 1}, 3))
	defer func() { require.NoError(t, wT.Finalize()) }()
	results = fetch[float32](t, backend, session, []backends.Feed{{Name: x, Tensor: xT}, {Name: w, Tensor: wT}}, y)
	assert.Equal(t, []float32{-2, 0, 4}, results[0])
	results = fetch[float32](t, backend, session, nil, w)
	assert.Equal(t, []float32{1, 2, 3}, results[0])

	// Feeding an intermediate value.
	results = fetch[float32](t, backend, session, []backends.Feed{{Name: y, Tensor: wT}}, y)
	assert.Equal(t, []float32{-1, 0, 1}, results[0])
}

func TestAssign(t *testing.T) {
	def := graphdef.New()
	x := def.Placeholder("x", dtypes.Float32, -1)
	w := def.Variable("w", dtypes.Float32, []float64{1, 2, 3}, 3)
	y := def.Op(graphdef.OpMul, "y", x, w)
	backend, session := setup(t, def, nil)

	wT := must.M1(backend.TensorFromFlat([]float32{5, 6, 7}, 3))
	require.NoError(t, session.Assign(w, wT))
	// The session keeps a copy: the caller's tensor can be released.
	require.NoError(t, wT.Finalize())

	xT := must.M1(backend.TensorFromFlat([]float32{1, 1, 2}, 3))
	defer func() { require.NoError(t, xT.Finalize()) }()
	results := fetch[float32](t, backend, session, []backends.Feed{{Name: x, Tensor: xT}}, y, w)
	assert.Equal(t, []float32{5, 6, 14}, results[0])
	assert.Equal(t, []float32{5, 6, 7}, results[1])

	bad := must.M1(backend.TensorFromFlat([]float32{1, 2}, 2))
	defer func() { require.NoError(t, bad.Finalize()) }()
	require.Error(t, session.Assign(w, bad), "wrong dimensions")
	require.Error(t, session.Assign(x, xT), "not a variable")
	require.Error(t, session.Assign("missing:0", xT))
	results = fetch[float32](t, backend, session, nil, w)
	assert.Equal(t, []float32{5, 6, 7}, results[0])
}

func TestRunErrors(t *testing.T) {
	def := graphdef.New()
	x := def.Placeholder("x", dtypes.Float32, 2)
	c := def.Const("c", dtypes.Float32, []float64{10})
	y := def.Op(graphdef.OpAdd, "y", x, c)
	backend, session := setup(t, def, nil)

	// Placeholder not fed: outputs fetched before the failure are released.
	_, err := session.Run(nil, []string{c, y})
	require.ErrorContains(t, err, "must be fed")
	assert.Equal(t, 0, backend.LiveTensors())

	_, err = session.Run(nil, []string{"z:0"})
	require.Error(t, err, "unknown tensor")
	_, err = session.Run(nil, []string{"c:1"})
	require.Error(t, err, "invalid output index")

	wrongDType := must.M1(backend.TensorFromFlat([]float64{1, 2}, 2))
	_, err = session.Run([]backends.Feed{{Name: x, Tensor: wrongDType}}, []string{y})
	require.Error(t, err)
	require.NoError(t, wrongDType.Finalize())

	wrongDims := must.M1(backend.TensorFromFlat([]float32{1, 2, 3}, 3))
	_, err = session.Run([]backends.Feed{{Name: x, Tensor: wrongDims}}, []string{y})
	require.Error(t, err)
	require.NoError(t, wrongDims.Finalize())

	finalized := must.M1(backend.TensorFromFlat([]float32{1, 2}, 2))
	require.NoError(t, finalized.Finalize())
	_, err = session.Run([]backends.Feed{{Name: x, Tensor: finalized}}, []string{y})
	require.Error(t, err)

	ok := must.M1(backend.TensorFromFlat([]float32{1, 2}, 2))
	results := fetch[float32](t, backend, session, []backends.Feed{{Name: x, Tensor: ok}}, y)
	assert.Equal(t, []float32{11, 12}, results[0])
	require.NoError(t, ok.Finalize())
}

func TestMatMul(t *testing.T) {
	def := graphdef.New()
	a := def.Const("a", dtypes.Float64, []float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := def.Const("b", dtypes.Float64, []float64{1, 0, 0, 1, 1, 1}, 3, 2)
	ab := def.MatMul("ab", a, b, false, false)
	aTaT := def.MatMul("a_t_a", a, a, true, false)
	aaT := def.MatMul("a_a_t", a, a, false, true)
	config := sessionconfig.Config{IntraOpThreads: 2}.Encode()
	backend, session := setup(t, def, config)

	results := fetch[float64](t, backend, session, nil, ab, aTaT, aaT)
	assert.Equal(t, []float64{4, 5, 10, 11}, results[0])
	assert.Equal(t, []float64{17, 22, 27, 22, 29, 36, 27, 36, 45}, results[1])
	assert.Equal(t, []float64{14, 32, 32, 77}, results[2])
}

func TestReluGrad(t *testing.T) {
	def := graphdef.New()
	h := def.Const("h", dtypes.Float32, []float64{-1, 0, 2}, 3)
	y := def.Op(graphdef.OpRelu, "y", h)
	g := def.Const("g", dtypes.Float32, []float64{5}, 3)
	hGrad := def.Op(graphdef.OpReluGrad, "h_grad", g, h)
	neg := def.Op(graphdef.OpNeg, "neg", y)
	backend, session := setup(t, def, nil)

	results := fetch[float32](t, backend, session, nil, y, hGrad, neg)
	assert.Equal(t, []float32{0, 0, 2}, results[0])
	assert.Equal(t, []float32{0, 0, 5}, results[1])
	assert.Equal(t, []float32{0, 0, -2}, results[2])
}

func TestCast(t *testing.T) {
	def := graphdef.New()
	c := def.Const("c", dtypes.Float64, []float64{-1.7, 2.9, 300}, 3)
	i := def.Cast("i", c, dtypes.Int32)
	backend := New()
	defer backend.Finalize()
	graph, err := backend.ImportGraph(def.Marshal())
	require.NoError(t, err)
	defer graph.Finalize()

	dtype, err := graph.TensorDType(i)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int32, dtype)

	toFloat, err := graph.AddCast(i, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, "i_to_float:0", toFloat)
	again, err := graph.AddCast(i, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, toFloat, again)
	toUint8, err := graph.AddCast(c, dtypes.Uint8)
	require.NoError(t, err)
	assert.Equal(t, "c_to_uint8:0", toUint8)
	_, err = graph.AddCast("missing:0", dtypes.Float32)
	require.Error(t, err)
	assert.True(t, graph.HasTensor(toFloat))

	// The added casts are part of the serialized graph.
	def2, err := graphdef.Unmarshal(must.M1(graph.Serialize()))
	require.NoError(t, err)
	require.NotNil(t, def2.Node("i_to_float"))

	session, err := backend.NewSession(graph, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, session.Close()) }()
	assert.Equal(t, []float32{-1, 2, 300}, fetch[float32](t, backend, session, nil, toFloat)[0])
	assert.Equal(t, []uint8{255, 2, 44}, fetch[uint8](t, backend, session, nil, toUint8)[0])
	assert.Equal(t, 0, backend.LiveTensors())
}

func TestImportGraphErrors(t *testing.T) {
	backend := New()
	defer backend.Finalize()

	def := graphdef.New()
	def.Const("c", dtypes.Float32, []float64{1})
	def.Const("c", dtypes.Float32, []float64{2})
	_, err := backend.ImportGraph(def.Marshal())
	require.ErrorContains(t, err, "duplicate")

	def = graphdef.New()
	def.Op("Softmax", "s")
	_, err = backend.ImportGraph(def.Marshal())
	require.ErrorContains(t, err, "unsupported op")

	def = graphdef.New()
	def.Op(graphdef.OpRelu, "r", "missing:0")
	_, err = backend.ImportGraph(def.Marshal())
	require.Error(t, err)

	def = graphdef.New()
	def.Const("c", dtypes.Float32, []float64{1, 2}, 3)
	_, err = backend.ImportGraph(def.Marshal())
	require.Error(t, err, "value size mismatch")

	def = graphdef.New()
	def.Placeholder("p", dtypes.Float16)
	_, err = backend.ImportGraph(def.Marshal())
	require.Error(t, err, "unsupported dtype")

	_, err = backend.ImportGraph([]byte{0xff})
	require.Error(t, err)
}

func TestFinalized(t *testing.T) {
	backend := New()
	def := graphdef.New()
	def.Const("c", dtypes.Float32, []float64{1})
	graph, err := backend.ImportGraph(def.Marshal())
	require.NoError(t, err)
	session, err := backend.NewSession(graph, nil)
	require.NoError(t, err)
	require.NoError(t, session.Close())
	require.Error(t, session.Close())
	_, err = session.Run(nil, []string{"c:0"})
	require.Error(t, err)

	graph.Finalize()
	_, err = backend.NewSession(graph, nil)
	require.Error(t, err)
	_, err = graph.Serialize()
	require.Error(t, err)

	backend.Finalize()
	_, err = backend.ImportGraph(def.Marshal())
	require.Error(t, err)
}
