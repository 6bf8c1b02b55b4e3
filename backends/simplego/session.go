// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/graphdef"
	"github.com/gomlx/graphnet/pkg/core/sessionconfig"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var _ backends.Session = (*Session)(nil)

// Session evaluates fetches of a Graph. It holds the current values of the graph's variables.
type Session struct {
	backend *Backend
	graph   *Graph
	config  sessionconfig.Config
	closed  bool

	// variables holds the session state, indexed by node name.
	variables map[string]*value
}

// NewSession implements backends.Backend.
func (b *Backend) NewSession(graph backends.Graph, config []byte) (backends.Session, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	g, ok := graph.(*Graph)
	if !ok {
		return nil, errors.Errorf("graph %T is not a %q backend graph", graph, BackendName)
	}
	if g.backend != b {
		return nil, errors.New("graph was imported by a different backend instance")
	}
	cfg, err := sessionconfig.Decode(config)
	if err != nil {
		return nil, errors.WithMessage(err, "simplego.NewSession")
	}
	s := &Session{
		backend:   b,
		graph:     g,
		config:    cfg,
		variables: make(map[string]*value),
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.finalized {
		return nil, errors.New("simplego.NewSession: graph has been finalized")
	}
	for _, node := range g.def.Nodes {
		if node.Op == graphdef.OpVariable {
			s.variables[node.Name] = constantValue(node)
		}
	}
	b.liveSessions.Add(1)
	klog.V(1).Infof("simplego: new session with %d variables, config %+v", len(s.variables), cfg)
	return s, nil
}

// Close implements backends.Session.
func (s *Session) Close() error {
	if s.closed {
		return errors.New("Session.Close: session already closed")
	}
	s.closed = true
	s.variables = nil
	s.backend.liveSessions.Add(-1)
	return nil
}

// Assign implements backends.Session.
func (s *Session) Assign(variable string, tensor backends.Tensor) error {
	if s.closed {
		return errors.New("Session.Assign: session is closed")
	}
	return exceptions.TryCatch[error](func() {
		s.graph.mu.RLock()
		defer s.graph.mu.RUnlock()
		node, err := s.graph.lookup(variable)
		if err != nil {
			panic(err)
		}
		if node.Op != graphdef.OpVariable {
			exceptions.Panicf("Session.Assign: %q is a %q node, not a variable", variable, node.Op)
		}
		t, err := s.backend.toTensor(tensor)
		if err != nil {
			panic(err)
		}
		v := valueFromTensor(t)
		checkFeed(node, v)
		s.variables[node.Name] = v
	})
}

// Run implements backends.Session.
//
// Any value of the graph can be fed, in which case it overrides the node's computation (or the variable's
// state) for this run only. Placeholders that are needed must be fed.
func (s *Session) Run(feeds []backends.Feed, fetches []string) (outputs []backends.Tensor, err error) {
	if s.closed {
		return nil, errors.New("Session.Run: session is closed")
	}
	err = exceptions.TryCatch[error](func() {
		s.run(feeds, fetches, &outputs)
	})
	if err != nil {
		for _, output := range outputs {
			if output != nil {
				_ = output.Finalize()
			}
		}
		return nil, errors.WithMessagef(err, "simplego.Session.Run(fetches=%q)", fetches)
	}
	return outputs, nil
}

// run implements Run, appending the fetched tensors to outputs. It panics on errors.
func (s *Session) run(feeds []backends.Feed, fetches []string, outputs *[]backends.Tensor) {
	s.graph.mu.RLock()
	defer s.graph.mu.RUnlock()
	if s.graph.finalized {
		exceptions.Panicf("graph has been finalized")
	}

	e := &evaluation{
		session: s,
		fed:     make(map[string]*value, len(feeds)),
		results: make(map[string]*value),
		active:  make(map[string]bool),
	}
	for _, feed := range feeds {
		node, err := s.graph.lookup(feed.Name)
		if err != nil {
			panic(errors.WithMessage(err, "invalid feed"))
		}
		t, err := s.backend.toTensor(feed.Tensor)
		if err != nil {
			panic(errors.WithMessagef(err, "invalid tensor fed to %q", feed.Name))
		}
		v := valueFromTensor(t)
		checkFeed(node, v)
		e.fed[node.Name] = v
	}

	*outputs = make([]backends.Tensor, 0, len(fetches))
	for _, fetch := range fetches {
		node, err := s.graph.lookup(fetch)
		if err != nil {
			panic(errors.WithMessage(err, "invalid fetch"))
		}
		v := e.eval(node)
		*outputs = append(*outputs, s.backend.newTensor(v.dtype, v.dimensions, v.toFlat()))
	}
}

func checkFeed(node *graphdef.Node, v *value) {
	if node.Op != graphdef.OpPlaceholder && node.Op != graphdef.OpVariable {
		return
	}
	if v.dtype != node.DType {
		exceptions.Panicf("feeding %q with dtype %s, but it expects %s", node.Name, v.dtype, node.DType)
	}
	if node.Dimensions == nil {
		return
	}
	if len(node.Dimensions) != len(v.dimensions) {
		exceptions.Panicf("feeding %q with dimensions %v, but it expects %v", node.Name, v.dimensions, node.Dimensions)
	}
	for axis, dim := range node.Dimensions {
		if dim != -1 && dim != v.dimensions[axis] {
			exceptions.Panicf("feeding %q with dimensions %v, but it expects %v", node.Name, v.dimensions, node.Dimensions)
		}
	}
}

// evaluation holds the state of one Session.Run.
type evaluation struct {
	session *Session
	fed     map[string]*value
	results map[string]*value
	active  map[string]bool
}

func (e *evaluation) eval(node *graphdef.Node) *value {
	if v, found := e.fed[node.Name]; found {
		return v
	}
	if v, found := e.results[node.Name]; found {
		return v
	}
	if e.active[node.Name] {
		exceptions.Panicf("cycle in graph at node %q", node.Name)
	}
	e.active[node.Name] = true
	inputs := make([]*value, len(node.Inputs))
	for ii, input := range node.Inputs {
		inputNode, err := e.session.graph.lookup(input)
		if err != nil {
			panic(err)
		}
		inputs[ii] = e.eval(inputNode)
	}
	v := e.compute(node, inputs)
	delete(e.active, node.Name)
	e.results[node.Name] = v
	return v
}

func (e *evaluation) compute(node *graphdef.Node, inputs []*value) *value {
	switch node.Op {
	case graphdef.OpPlaceholder:
		exceptions.Panicf("placeholder %q must be fed", graphdef.TensorName(node.Name, 0))
	case graphdef.OpConst:
		return constantValue(node)
	case graphdef.OpVariable:
		v, found := e.session.variables[node.Name]
		if !found {
			exceptions.Panicf("variable %q not initialized", node.Name)
		}
		return v
	case graphdef.OpIdentity:
		return inputs[0]
	case graphdef.OpCast:
		return castValue(inputs[0], node.DType)
	case graphdef.OpNeg:
		return unaryOp(inputs[0], func(x float64) float64 { return -x })
	case graphdef.OpRelu:
		return unaryOp(inputs[0], func(x float64) float64 { return max(x, 0) })
	case graphdef.OpAdd:
		return binaryOp(node, inputs[0], inputs[1], func(x, y float64) float64 { return x + y })
	case graphdef.OpSub:
		return binaryOp(node, inputs[0], inputs[1], func(x, y float64) float64 { return x - y })
	case graphdef.OpMul:
		return binaryOp(node, inputs[0], inputs[1], func(x, y float64) float64 { return x * y })
	case graphdef.OpReluGrad:
		// inputs: gradients, features.
		return binaryOp(node, inputs[0], inputs[1], func(grad, feature float64) float64 {
			if feature > 0 {
				return grad
			}
			return 0
		})
	case graphdef.OpMatMul:
		return e.matMul(node, inputs[0], inputs[1])
	}
	exceptions.Panicf("node %q has unsupported op %q", node.Name, node.Op)
	return nil
}

// constantValue of a Const or Variable node: a scalar value is broadcast to the node dimensions.
func constantValue(node *graphdef.Node) *value {
	dimensions := node.Dimensions
	if dimensions == nil {
		dimensions = []int{}
	}
	size := numElements(dimensions)
	v := &value{dtype: node.DType, dimensions: slices.Clone(dimensions), data: make([]float64, size)}
	if len(node.Value) == 1 {
		for ii := range v.data {
			v.data[ii] = node.Value[0]
		}
	} else {
		copy(v.data, node.Value)
	}
	return castValue(v, node.DType)
}
