// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphnet embeds a frozen, externally defined, computation graph as one layer (a layers.Module) of a
// host model, and drives its execution through an execution engine's session (see package backends).
//
// The graph is described by a Meta record with the names of its inputs, outputs, variables, gradients and temp
// tensors. A Net feeds the inputs (and its weights as the graph variables), fetches the outputs and, in training
// mode, the temp tensors needed by the following Backward call. Backward fetches the gradients of the inputs
// and of the variables, the latter accumulated by AccGradParameters.
//
// Graphs are shared across the Nets of a backend through registry.Graphs, keyed by backend instance and graph id,
// and can be shipped to other processes with WriteTo and ReadFrom (see package capsule).
//
// A Net is not safe for concurrent use.
package graphnet

import (
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/bridge"
	"github.com/gomlx/graphnet/pkg/core/registry"
	"github.com/gomlx/graphnet/pkg/core/tensors"
	"github.com/gomlx/graphnet/pkg/ml/layers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrBroken is returned by a Net whose previous engine run failed: the Net should be discarded.
var ErrBroken = errors.New("graphnet: net is broken by a previous failure")

// idNamespace is used to derive content-based graph ids.
var idNamespace = uuid.MustParse("5a0a1e7b-3c1f-4f7e-9a57-6d2f3b8c9e10")

// ContentID returns the id derived from the serialized graph: identical graphs get the same id in every process.
func ContentID(graphDef []byte) string {
	return uuid.NewSHA1(idNamespace, graphDef).String()
}

// Net runs an embedded graph as a layers.Module.
type Net struct {
	backend  backends.Backend
	id       string
	meta     Meta
	config   []byte
	graphRef *registry.Ref[backends.Graph]
	graph    backends.Graph

	// fetchOutputNames are the OutputNames, with the names of cast nodes for the non-float ones.
	fetchOutputNames []string

	inputDTypes, gradOutputDTypes, weightDTypes []dtypes.DType

	sessionOnce sync.Once
	session     backends.Session
	sessionErr  error

	training  bool
	broken    error
	finalized bool

	weights, gradWeights, gradWeightsBuffer []*tensors.Tensor
	outputs, gradInputs                     []*tensors.Tensor

	inputHandles, weightHandles, tempHandles, gradWeightHandles *bridge.Handles
}

var _ layers.Module = (*Net)(nil)

// New creates a Net for the serialized graph graphDef, identified by id.
//
// If id is empty, it is derived from the contents of graphDef (see ContentID). The graph is imported into backend
// only if it is not there already (see registry.ImportGraph). The config blob is passed to the engine session, see
// package sessionconfig.
//
// If the graph declares variables, the weights are initialized with their values in the session.
func New(backend backends.Backend, graphDef []byte, id string, meta Meta, config []byte) (*Net, error) {
	if id == "" {
		id = ContentID(graphDef)
	}
	defRef, _, err := registry.GraphDefs.GetOrCreate(id, func() ([]byte, error) { return graphDef, nil })
	if err != nil {
		return nil, errors.WithMessagef(err, "graphnet.New(%q)", id)
	}
	defer defRef.Release()
	graphRef, _, err := registry.ImportGraph(backend, id, defRef.Value)
	if err != nil {
		return nil, errors.WithMessagef(err, "graphnet.New(%q)", id)
	}
	return newNet(backend, id, graphRef, meta, config)
}

// newNet takes ownership of graphRef: it is released on failure.
func newNet(backend backends.Backend, id string, graphRef *registry.Ref[backends.Graph], meta Meta, config []byte) (
	*Net, error) {
	n := &Net{
		backend:  backend,
		id:       id,
		meta:     meta.WithDefaults(),
		config:   config,
		graphRef: graphRef,
		graph:    graphRef.Value(),
	}
	if err := n.init(); err != nil {
		_ = n.Finalize()
		return nil, errors.WithMessagef(err, "graphnet.New(%q)", id)
	}
	klog.V(1).Infof("graphnet: created net %q with %d inputs, %d outputs and %d variables", id,
		len(n.meta.InputNames), len(n.meta.OutputNames), len(n.meta.VariableNames))
	return n, nil
}

func (n *Net) init() error {
	m := n.meta
	if err := m.Validate(); err != nil {
		return err
	}
	for _, name := range m.AllNames() {
		if !n.graph.HasTensor(name) {
			return errors.Errorf("graph has no tensor %q", name)
		}
	}

	var err error
	if n.inputDTypes, err = n.dtypesOf(m.InputNames); err != nil {
		return err
	}
	if n.weightDTypes, err = n.dtypesOf(m.VariableNames); err != nil {
		return err
	}
	if m.HasBackward() {
		if n.gradOutputDTypes, err = n.dtypesOf(m.GradOutputNames()); err != nil {
			return err
		}
	}

	// Non-float outputs are fetched through a cast node.
	n.fetchOutputNames = make([]string, len(m.OutputNames))
	for ii, name := range m.OutputNames {
		dtype, err := n.graph.TensorDType(name)
		if err != nil {
			return err
		}
		n.fetchOutputNames[ii] = name
		if dtype != dtypes.Float32 {
			castName, err := n.graph.AddCast(name, dtypes.Float32)
			if err != nil {
				return errors.WithMessagef(err, "failed to cast output %q from %s to Float32", name, dtype)
			}
			klog.V(1).Infof("graphnet: output %q (%s) fetched as %q", name, dtype, castName)
			n.fetchOutputNames[ii] = castName
		}
	}

	n.outputs = newEmptyTensors(len(m.OutputNames))
	n.gradInputs = newEmptyTensors(len(m.InputNames))
	n.weights = newEmptyTensors(len(m.VariableNames))
	n.gradWeights = newEmptyTensors(len(m.VariableNames))
	n.gradWeightsBuffer = newEmptyTensors(len(m.VariableNames))
	n.inputHandles = bridge.NewHandles(len(m.InputNames))
	n.weightHandles = bridge.NewHandles(len(m.VariableNames))
	n.tempHandles = bridge.NewHandles(len(m.TempTensorNames))
	n.gradWeightHandles = bridge.NewHandles(len(m.VariableNames))
	if m.HasBackward() {
		return n.Reset()
	}
	return nil
}

func (n *Net) dtypesOf(names []string) ([]dtypes.DType, error) {
	result := make([]dtypes.DType, len(names))
	for ii, name := range names {
		dtype, err := n.graph.TensorDType(name)
		if err != nil {
			return nil, err
		}
		result[ii] = dtype
	}
	return result, nil
}

func newEmptyTensors(n int) []*tensors.Tensor {
	ts := make([]*tensors.Tensor, n)
	for ii := range ts {
		ts[ii] = tensors.Empty()
	}
	return ts
}

// ID returns the id of the graph.
func (n *Net) ID() string { return n.id }

// Meta returns the contract of the graph, with the default gradient names filled in.
func (n *Net) Meta() Meta { return n.meta }

// Backend returns the engine executing the graph.
func (n *Net) Backend() backends.Backend { return n.backend }

// Graph returns the graph executed by the Net. It is owned by the Net, and shouldn't be finalized.
func (n *Net) Graph() backends.Graph { return n.graph }

// Config returns the session configuration blob.
func (n *Net) Config() []byte { return n.config }

// Training implements layers.Module.
func (n *Net) Training() { n.training = true }

// Evaluate implements layers.Module.
func (n *Net) Evaluate() { n.training = false }

// IsTraining returns whether the Net is in training mode.
func (n *Net) IsTraining() bool { return n.training }

// Parameters implements layers.Module.
// They are the weights fed as the graph variables, and the gradients accumulated by AccGradParameters.
func (n *Net) Parameters() (weights, gradWeights []*tensors.Tensor) {
	return n.weights, n.gradWeights
}

// checkOk returns an error if the Net can't be used.
func (n *Net) checkOk() error {
	if n.finalized {
		return errors.Errorf("graphnet: net %q has been finalized", n.id)
	}
	if n.broken != nil {
		return errors.Wrapf(ErrBroken, "net %q: %v", n.id, n.broken)
	}
	return nil
}

// getSession returns the session of the Net, creating it on first use.
func (n *Net) getSession() (backends.Session, error) {
	n.sessionOnce.Do(func() {
		n.session, n.sessionErr = n.backend.NewSession(n.graph, n.config)
		if n.sessionErr != nil {
			n.sessionErr = errors.WithMessagef(n.sessionErr, "graphnet: failed to create session for %q", n.id)
			return
		}
		klog.V(1).Infof("graphnet: session created for %q", n.id)
	})
	return n.session, n.sessionErr
}

// run executes the session, marking the Net as broken on failure.
// The returned native tensors are owned by the caller.
func (n *Net) run(feeds []backends.Feed, fetches []string) ([]backends.Tensor, error) {
	session, err := n.getSession()
	if err != nil {
		return nil, err
	}
	outputs, err := session.Run(feeds, fetches)
	if err != nil {
		n.broken = err
		return nil, errors.WithMessagef(err, "graphnet: net %q failed to run", n.id)
	}
	if len(outputs) != len(fetches) {
		for _, output := range outputs {
			_ = output.Finalize()
		}
		n.broken = errors.Errorf("session returned %d tensors for %d fetches", len(outputs), len(fetches))
		return nil, errors.WithMessagef(n.broken, "graphnet: net %q", n.id)
	}
	return outputs, nil
}

// Finalize releases the native tensors held by the Net, closes its session and releases its graph.
// The Net can't be used afterward. It is safe to call more than once.
func (n *Net) Finalize() error {
	if n.finalized {
		return nil
	}
	n.finalized = true
	var firstErr error
	keep := func(err error) {
		if err == nil {
			return
		}
		if firstErr == nil {
			firstErr = err
		} else {
			klog.Warningf("graphnet: finalizing net %q: %v", n.id, err)
		}
	}
	for _, handles := range []*bridge.Handles{n.inputHandles, n.weightHandles, n.tempHandles, n.gradWeightHandles} {
		if handles != nil {
			keep(handles.ReleaseAll())
		}
	}
	if n.session != nil {
		keep(n.session.Close())
		n.session = nil
	}
	n.graphRef.Release()
	n.graph = nil
	return errors.WithMessagef(firstErr, "graphnet: Finalize(%q)", n.id)
}

// LiveHandles returns the number of native tensors currently held by the Net across calls: inputs and temp
// tensors waiting for Backward, gradients waiting for AccGradParameters, and the weights of inference mode.
func (n *Net) LiveHandles() int {
	return n.inputHandles.Live() + n.weightHandles.Live() + n.tempHandles.Live() + n.gradWeightHandles.Live()
}
