// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphnet

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/bridge"
	"github.com/gomlx/graphnet/pkg/core/tensors"
	"github.com/gomlx/graphnet/pkg/ml/layers"
	"github.com/gomlx/graphnet/pkg/support/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// checkArity returns a precondition error if the activity doesn't hold one tensor per name.
func checkArity(what string, activity layers.Activity, names []string) error {
	if activity.Len() != len(names) {
		return errs.Preconditionf("graphnet: %s has %d tensors, but the graph expects %d: %q",
			what, activity.Len(), len(names), names)
	}
	return nil
}

// Forward implements layers.Module.
//
// It returns a Single activity if the graph has one output, and a Multiple activity with one tensor per output
// otherwise. The returned tensors are owned by the Net, and are overwritten by the next call to Forward.
//
// In training mode, if the graph has variables, the native inputs and the temp tensors are kept for the following
// Backward call.
func (n *Net) Forward(input layers.Activity) (layers.Activity, error) {
	if err := n.checkOk(); err != nil {
		return layers.Activity{}, err
	}
	if err := checkArity("Forward input", input, n.meta.InputNames); err != nil {
		return layers.Activity{}, err
	}
	// Leftovers of a training Forward not followed by Backward.
	if err := n.releaseStepHandles(); err != nil {
		return layers.Activity{}, err
	}

	scope := bridge.NewScope()
	defer func() { _ = scope.Release() }()
	feeds := make([]backends.Feed, 0, len(n.meta.InputNames)+len(n.meta.VariableNames))

	inputs := make([]backends.Tensor, len(n.meta.InputNames))
	for ii, name := range n.meta.InputNames {
		handle, err := scope.ToNative(n.backend, input.At(ii), n.inputDTypes[ii])
		if err != nil {
			return layers.Activity{}, errors.WithMessagef(err, "graphnet.Forward: input %q", name)
		}
		inputs[ii] = handle
		feeds = append(feeds, backends.Feed{Name: name, Tensor: handle})
	}

	weightFeeds, err := n.weightFeeds(scope)
	if err != nil {
		return layers.Activity{}, err
	}
	feeds = append(feeds, weightFeeds...)

	// Only a Backward with variables uses the native inputs and temp tensors.
	keepForBackward := n.training && n.meta.HasBackward()
	fetches := n.fetchOutputNames
	if keepForBackward {
		fetches = slices.Concat(fetches, n.meta.TempTensorNames)
	}
	results, err := n.run(feeds, fetches)
	if err != nil {
		return layers.Activity{}, err
	}
	scope.Add(results...)

	numOutputs := len(n.meta.OutputNames)
	for ii, result := range results[:numOutputs] {
		if err := bridge.ToHost(n.backend, result, n.outputs[ii]); err != nil {
			return layers.Activity{}, errors.WithMessagef(err, "graphnet.Forward: output %q", n.meta.OutputNames[ii])
		}
	}

	if keepForBackward {
		for ii, temp := range results[numOutputs:] {
			scope.Keep(temp)
			if err := n.tempHandles.Set(ii, temp); err != nil {
				return layers.Activity{}, err
			}
		}
		for ii, handle := range inputs {
			scope.Keep(handle)
			if err := n.inputHandles.Set(ii, handle); err != nil {
				return layers.Activity{}, err
			}
		}
	}
	if numOutputs == 1 {
		return layers.Single(n.outputs[0]), nil
	}
	return layers.Multiple(slices.Clone(n.outputs)...), nil
}

// weightFeeds returns the feeds of the variables of the graph.
//
// In inference mode the native weights are created once, and kept in n.weightHandles across calls. In training
// mode the weights may change between calls, so they are converted at every call and released with the scope.
func (n *Net) weightFeeds(scope *bridge.Scope) ([]backends.Feed, error) {
	if !n.meta.HasBackward() {
		return nil, nil
	}
	feeds := make([]backends.Feed, len(n.meta.VariableNames))
	if n.training {
		if err := n.weightHandles.ReleaseAll(); err != nil {
			return nil, err
		}
	}
	for ii, name := range n.meta.VariableNames {
		var handle backends.Tensor
		var err error
		switch {
		case n.training:
			handle, err = scope.ToNative(n.backend, n.weights[ii], n.weightDTypes[ii])
		case n.weightHandles.IsEmpty(ii):
			handle, err = bridge.ToNative(n.backend, n.weights[ii], n.weightDTypes[ii])
			if err == nil {
				err = n.weightHandles.Set(ii, handle)
			}
		default:
			handle = n.weightHandles.Get(ii)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "graphnet: weight %q", name)
		}
		feeds[ii] = backends.Feed{Name: name, Tensor: handle}
	}
	return feeds, nil
}

// releaseStepHandles releases the native inputs and temp tensors carried from Forward to Backward.
func (n *Net) releaseStepHandles() error {
	err := n.inputHandles.ReleaseAll()
	if tempErr := n.tempHandles.ReleaseAll(); err == nil {
		err = tempErr
	}
	return err
}

// Backward implements layers.Module.
//
// If the graph has no variables, the gradient of the input is zero and the engine is not called. Otherwise, it
// feeds the inputs and the temp tensors kept by the last training Forward, with gradOutput, and fetches the
// gradients of the inputs and of the variables. The latter are kept for AccGradParameters.
//
// The returned activity has the same variant (Single or Multiple) as input, and its tensors are owned by the Net.
func (n *Net) Backward(input, gradOutput layers.Activity) (layers.Activity, error) {
	if err := n.checkOk(); err != nil {
		return layers.Activity{}, err
	}
	if err := checkArity("Backward input", input, n.meta.InputNames); err != nil {
		return layers.Activity{}, err
	}
	if !n.meta.HasBackward() {
		for ii := range n.meta.InputNames {
			n.gradInputs[ii].ResizeAs(input.At(ii)).Zero()
		}
		return n.gradInputActivity(input), nil
	}
	if err := checkArity("Backward gradient of output", gradOutput, n.meta.OutputNames); err != nil {
		return layers.Activity{}, err
	}
	for ii, name := range n.meta.TempTensorNames {
		if n.tempHandles.IsEmpty(ii) {
			return layers.Activity{}, errs.Preconditionf(
				"graphnet.Backward: temp tensor %q missing, Backward must follow a Forward in training mode", name)
		}
	}

	scope := bridge.NewScope()
	defer func() { _ = scope.Release() }()
	defer func() {
		if err := n.releaseStepHandles(); err != nil {
			klog.Warningf("graphnet.Backward(%q): %v", n.id, err)
		}
	}()

	var feeds []backends.Feed
	for ii, name := range n.meta.InputNames {
		handle := n.inputHandles.Get(ii)
		if handle == nil {
			// Forward was called in inference mode.
			var err error
			handle, err = scope.ToNative(n.backend, input.At(ii), n.inputDTypes[ii])
			if err != nil {
				return layers.Activity{}, errors.WithMessagef(err, "graphnet.Backward: input %q", name)
			}
		}
		feeds = append(feeds, backends.Feed{Name: name, Tensor: handle})
	}
	for ii, name := range n.meta.GradOutputNames() {
		handle, err := scope.ToNative(n.backend, gradOutput.At(ii), n.gradOutputDTypes[ii])
		if err != nil {
			return layers.Activity{}, errors.WithMessagef(err, "graphnet.Backward: gradient %q", name)
		}
		feeds = append(feeds, backends.Feed{Name: name, Tensor: handle})
	}
	for ii, name := range n.meta.TempTensorNames {
		feeds = append(feeds, backends.Feed{Name: name, Tensor: n.tempHandles.Get(ii)})
	}

	fetches := slices.Concat(n.meta.GradInputNames, n.meta.GradVariableNames)
	results, err := n.run(feeds, fetches)
	if err != nil {
		return layers.Activity{}, err
	}
	scope.Add(results...)

	numInputs := len(n.meta.InputNames)
	for ii, result := range results[:numInputs] {
		if err := bridge.ToHost(n.backend, result, n.gradInputs[ii]); err != nil {
			return layers.Activity{}, errors.WithMessagef(err, "graphnet.Backward: gradient %q",
				n.meta.GradInputNames[ii])
		}
	}
	for ii, gradWeight := range results[numInputs:] {
		scope.Keep(gradWeight)
		if err := n.gradWeightHandles.Set(ii, gradWeight); err != nil {
			return layers.Activity{}, err
		}
	}
	return n.gradInputActivity(input), nil
}

func (n *Net) gradInputActivity(input layers.Activity) layers.Activity {
	if input.IsMultiple() {
		return layers.Multiple(slices.Clone(n.gradInputs)...)
	}
	return layers.Single(n.gradInputs[0])
}

// AccGradParameters implements layers.Module: it adds the gradients of the variables fetched by the last Backward
// to the accumulated gradients returned by Parameters.
func (n *Net) AccGradParameters() error {
	if err := n.checkOk(); err != nil {
		return err
	}
	if !n.meta.HasBackward() {
		return nil
	}
	defer func() {
		if err := n.gradWeightHandles.ReleaseAll(); err != nil {
			klog.Warningf("graphnet.AccGradParameters(%q): %v", n.id, err)
		}
	}()
	for ii, name := range n.meta.GradVariableNames {
		handle := n.gradWeightHandles.Get(ii)
		if handle == nil {
			return errs.Preconditionf("graphnet.AccGradParameters: gradient %q missing, it must follow Backward", name)
		}
		buffer := n.gradWeightsBuffer[ii]
		if err := bridge.ToHost(n.backend, handle, buffer); err != nil {
			return errors.WithMessagef(err, "graphnet.AccGradParameters: gradient %q", name)
		}
		acc := n.gradWeights[ii]
		if acc.IsEmpty() {
			acc.ResizeAs(n.weights[ii]).Zero()
		}
		if err := acc.AddInPlace(buffer); err != nil {
			return errors.WithMessagef(err, "graphnet.AccGradParameters: gradient %q", name)
		}
	}
	return nil
}

// ZeroGradParameters implements layers.Module.
func (n *Net) ZeroGradParameters() {
	for _, acc := range n.gradWeights {
		acc.Zero()
	}
}

// Reset copies the current values of the graph variables, as held by the session, into the weights, and zeroes
// the accumulated gradients. It is called at construction.
func (n *Net) Reset() error {
	if err := n.checkOk(); err != nil {
		return err
	}
	if !n.meta.HasBackward() {
		return nil
	}
	// Native weights of inference mode may be views over the weights storage.
	if err := n.weightHandles.ReleaseAll(); err != nil {
		return err
	}
	results, err := n.run(nil, n.meta.VariableNames)
	if err != nil {
		return err
	}
	scope := bridge.NewScope()
	defer func() { _ = scope.Release() }()
	scope.Add(results...)
	for ii, result := range results {
		if err := bridge.ToHost(n.backend, result, n.weights[ii]); err != nil {
			return errors.WithMessagef(err, "graphnet.Reset: variable %q", n.meta.VariableNames[ii])
		}
		n.gradWeights[ii].ResizeAs(n.weights[ii]).Zero()
	}
	klog.V(2).Infof("graphnet: net %q weights reset from %d variables", n.id, len(results))
	return nil
}

// SetWeight copies value into the weight of the named variable, and assigns it to the variable state held by the
// session, so following Forward, Backward and Reset calls all see the new value.
func (n *Net) SetWeight(name string, value *tensors.Tensor) error {
	if err := n.checkOk(); err != nil {
		return err
	}
	ii := slices.Index(n.meta.VariableNames, name)
	if ii < 0 {
		return errs.Preconditionf("graphnet.SetWeight: unknown variable %q, variables are %q", name,
			n.meta.VariableNames)
	}
	session, err := n.getSession()
	if err != nil {
		return err
	}
	scope := bridge.NewScope()
	defer func() { _ = scope.Release() }()
	handle, err := scope.ToNative(n.backend, value.Contiguous(), n.weightDTypes[ii])
	if err != nil {
		return errors.WithMessagef(err, "graphnet.SetWeight(%q)", name)
	}
	// A rejected value (e.g. wrong dimensions) leaves both the session and the weights untouched.
	if err := session.Assign(name, handle); err != nil {
		return errors.WithMessagef(err, "graphnet.SetWeight(%q)", name)
	}
	if err := n.weightHandles.Release(ii); err != nil {
		return err
	}
	n.weights[ii].ResizeAs(value)
	return n.weights[ii].CopyFrom(value)
}

// VariableDType returns the dtype of the named graph variable.
func (n *Net) VariableDType(name string) (dtypes.DType, error) {
	ii := slices.Index(n.meta.VariableNames, name)
	if ii < 0 {
		return dtypes.InvalidDType, errs.Preconditionf("graphnet: unknown variable %q", name)
	}
	return n.weightDTypes[ii], nil
}
