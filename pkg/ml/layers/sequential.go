// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/graphnet/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Sequential chains modules: the output of each module is the input of the next.
type Sequential struct {
	modules []Module

	// outputs of each module in the last Forward call, used by Backward.
	outputs []Activity
}

var _ Module = (*Sequential)(nil)

// NewSequential returns a container for the given modules, in order.
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

// Add appends modules to the container. It returns the container itself, so calls can be chained.
func (s *Sequential) Add(modules ...Module) *Sequential {
	s.modules = append(s.modules, modules...)
	s.outputs = nil
	return s
}

// Modules returns the modules of the container.
func (s *Sequential) Modules() []Module {
	return s.modules
}

// Forward implements Module.
func (s *Sequential) Forward(input Activity) (Activity, error) {
	s.outputs = make([]Activity, len(s.modules))
	current := input
	for ii, module := range s.modules {
		output, err := module.Forward(current)
		if err != nil {
			s.outputs = nil
			return Activity{}, errors.WithMessagef(err, "Sequential.Forward: module #%d (%T)", ii, module)
		}
		s.outputs[ii] = output
		current = output
	}
	return current, nil
}

// Backward implements Module. It walks the modules in reverse, using the activities recorded by the last Forward.
func (s *Sequential) Backward(input, gradOutput Activity) (Activity, error) {
	if len(s.outputs) != len(s.modules) {
		return Activity{}, errors.New("Sequential.Backward called without a previous successful Forward")
	}
	grad := gradOutput
	for ii := len(s.modules) - 1; ii >= 0; ii-- {
		moduleInput := input
		if ii > 0 {
			moduleInput = s.outputs[ii-1]
		}
		var err error
		grad, err = s.modules[ii].Backward(moduleInput, grad)
		if err != nil {
			return Activity{}, errors.WithMessagef(err, "Sequential.Backward: module #%d (%T)", ii, s.modules[ii])
		}
	}
	return grad, nil
}

// AccGradParameters implements Module.
func (s *Sequential) AccGradParameters() error {
	for ii, module := range s.modules {
		if err := module.AccGradParameters(); err != nil {
			return errors.WithMessagef(err, "Sequential.AccGradParameters: module #%d (%T)", ii, module)
		}
	}
	return nil
}

// ZeroGradParameters implements Module.
func (s *Sequential) ZeroGradParameters() {
	for _, module := range s.modules {
		module.ZeroGradParameters()
	}
}

// Parameters implements Module: the parameters of all modules, in order.
func (s *Sequential) Parameters() (weights, gradWeights []*tensors.Tensor) {
	for _, module := range s.modules {
		w, g := module.Parameters()
		weights = append(weights, w...)
		gradWeights = append(gradWeights, g...)
	}
	return
}

// Training implements Module.
func (s *Sequential) Training() {
	for _, module := range s.modules {
		module.Training()
	}
}

// Evaluate implements Module.
func (s *Sequential) Evaluate() {
	for _, module := range s.modules {
		module.Evaluate()
	}
}
