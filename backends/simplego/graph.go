// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/graphdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var _ backends.Graph = (*Graph)(nil)

// Graph is an imported graphdef.Def, indexed by node name.
//
// The only mutation allowed is appending Cast nodes, hence mu only needs to be write-locked in AddCast.
type Graph struct {
	backend *Backend

	mu        sync.RWMutex
	def       *graphdef.Def
	nodes     map[string]*graphdef.Node
	finalized bool
}

// ImportGraph implements backends.Backend.
func (b *Backend) ImportGraph(graphDef []byte) (backends.Graph, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	def, err := graphdef.Unmarshal(graphDef)
	if err != nil {
		return nil, errors.WithMessage(err, "simplego.ImportGraph")
	}
	g := &Graph{
		backend: b,
		def:     def,
		nodes:   make(map[string]*graphdef.Node, len(def.Nodes)),
	}
	for _, node := range def.Nodes {
		if _, found := g.nodes[node.Name]; found {
			return nil, errors.Errorf("simplego.ImportGraph: duplicate node %q", node.Name)
		}
		if !Capabilities.Operations[node.Op] {
			return nil, errors.Errorf("simplego.ImportGraph: node %q has unsupported op %q", node.Name, node.Op)
		}
		g.nodes[node.Name] = node
	}
	for _, node := range def.Nodes {
		if err := g.validateNode(node); err != nil {
			return nil, errors.WithMessagef(err, "simplego.ImportGraph: invalid node %q", node.Name)
		}
	}
	klog.V(1).Infof("simplego: imported graph with %d nodes (%s)", len(def.Nodes), humanize.Bytes(uint64(len(graphDef))))
	return g, nil
}

func (g *Graph) validateNode(node *graphdef.Node) error {
	for _, input := range node.Inputs {
		if _, err := g.lookup(input); err != nil {
			return err
		}
	}
	numInputs := map[string]int{
		graphdef.OpPlaceholder: 0, graphdef.OpConst: 0, graphdef.OpVariable: 0,
		graphdef.OpIdentity: 1, graphdef.OpCast: 1, graphdef.OpNeg: 1, graphdef.OpRelu: 1,
		graphdef.OpAdd: 2, graphdef.OpSub: 2, graphdef.OpMul: 2, graphdef.OpMatMul: 2, graphdef.OpReluGrad: 2,
	}[node.Op]
	if len(node.Inputs) != numInputs {
		return errors.Errorf("op %q takes %d inputs, got %d", node.Op, numInputs, len(node.Inputs))
	}
	switch node.Op {
	case graphdef.OpPlaceholder, graphdef.OpConst, graphdef.OpVariable, graphdef.OpCast:
		if !Capabilities.DTypes[node.DType] {
			return errors.Errorf("op %q with unsupported dtype %s", node.Op, node.DType)
		}
	}
	switch node.Op {
	case graphdef.OpConst, graphdef.OpVariable:
		size := numElements(node.Dimensions)
		if len(node.Value) != size && len(node.Value) != 1 {
			return errors.Errorf("value has %d elements, dimensions %v require %d", len(node.Value), node.Dimensions, size)
		}
	}
	return nil
}

// lookup returns the node producing the named value. It must be called with mu (at least read-) locked,
// or during import.
func (g *Graph) lookup(name string) (*graphdef.Node, error) {
	op, index, err := graphdef.SplitTensorName(name)
	if err != nil {
		return nil, err
	}
	node, found := g.nodes[op]
	if !found {
		return nil, errors.Errorf("graph has no operation %q (for tensor %q)", op, name)
	}
	if index != 0 {
		return nil, errors.Errorf("operation %q has only one output, tensor %q doesn't exist", op, name)
	}
	return node, nil
}

// HasTensor implements backends.Graph.
func (g *Graph) HasTensor(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.lookup(name)
	return err == nil
}

// TensorDType implements backends.Graph.
func (g *Graph) TensorDType(name string) (dtypes.DType, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dtypeOf(name, 0)
}

func (g *Graph) dtypeOf(name string, depth int) (dtypes.DType, error) {
	if depth > len(g.nodes) {
		return dtypes.InvalidDType, errors.Errorf("cycle in graph while inferring dtype of %q", name)
	}
	node, err := g.lookup(name)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	if node.DType != dtypes.InvalidDType {
		return node.DType, nil
	}
	return g.dtypeOf(node.Inputs[0], depth+1)
}

// CastName returns the name of the node casting the output of op to dtype: "<op>_to_float" for Float32,
// "<op>_to_<dtype>" otherwise.
func CastName(op string, dtype dtypes.DType) string {
	if dtype == dtypes.Float32 {
		return op + "_to_float"
	}
	return op + "_to_" + strings.ToLower(dtype.String())
}

// AddCast implements backends.Graph. It is idempotent.
func (g *Graph) AddCast(name string, dtype dtypes.DType) (string, error) {
	if !Capabilities.DTypes[dtype] {
		return "", errors.Errorf("AddCast(%q): unsupported dtype %s", name, dtype)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return "", errors.New("AddCast on a finalized graph")
	}
	if _, err := g.lookup(name); err != nil {
		return "", err
	}
	op, _, _ := graphdef.SplitTensorName(name)
	castOp := CastName(op, dtype)
	if existing, found := g.nodes[castOp]; found {
		if existing.Op != graphdef.OpCast || existing.DType != dtype || existing.Inputs[0] != name {
			return "", errors.Errorf("AddCast(%q): node %q already exists and is not the expected cast", name, castOp)
		}
		return graphdef.TensorName(castOp, 0), nil
	}
	castName := g.def.Cast(castOp, name, dtype)
	g.nodes[castOp] = g.def.Nodes[len(g.def.Nodes)-1]
	klog.V(1).Infof("simplego: added cast %q -> %q (%s)", name, castName, dtype)
	return castName, nil
}

// Serialize implements backends.Graph.
func (g *Graph) Serialize() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.finalized {
		return nil, errors.New("Serialize on a finalized graph")
	}
	return g.def.Marshal(), nil
}

// Finalize implements backends.Graph.
func (g *Graph) Finalize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalized = true
}

// IsFinalized returns whether the graph has been finalized.
func (g *Graph) IsFinalized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.finalized
}
