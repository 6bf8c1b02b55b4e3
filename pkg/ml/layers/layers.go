// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers defines the Module interface of the host model layers, the Activity exchanged between them,
// and the Sequential container.
//
// A Module computes its outputs from its inputs (Forward), the gradient of its inputs from the gradient of its
// outputs (Backward), and accumulates the gradient of its parameters (AccGradParameters). The Backward call of
// a training step must follow the Forward call of the same step, with the same input.
package layers

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphnet/pkg/core/tensors"
)

// Activity is the input or output of a Module: either a single tensor, or an ordered collection of tensors.
//
// Use Single or Multiple to create one. The zero value is an empty Multiple activity.
type Activity struct {
	tensors  []*tensors.Tensor
	multiple bool
}

// Single returns an activity holding one tensor.
func Single(t *tensors.Tensor) Activity {
	return Activity{tensors: []*tensors.Tensor{t}}
}

// Multiple returns an activity holding an ordered collection of tensors. Notice a Multiple activity with one
// tensor is not the same as a Single activity.
func Multiple(ts ...*tensors.Tensor) Activity {
	return Activity{tensors: ts, multiple: true}
}

// IsMultiple returns whether the activity was created with Multiple.
func (a Activity) IsMultiple() bool {
	return a.multiple || a.tensors == nil
}

// Len returns the number of tensors in the activity: always 1 for Single activities.
func (a Activity) Len() int {
	return len(a.tensors)
}

// At returns the i-th tensor of the activity. For a Single activity, At(0) is its tensor.
func (a Activity) At(i int) *tensors.Tensor {
	if i < 0 || i >= len(a.tensors) {
		exceptions.Panicf("Activity.At(%d): activity has %d tensors", i, len(a.tensors))
	}
	return a.tensors[i]
}

// Tensor returns the tensor of a Single activity. It panics for Multiple activities.
func (a Activity) Tensor() *tensors.Tensor {
	if a.IsMultiple() {
		exceptions.Panicf("Activity.Tensor(): activity holds multiple (%d) tensors", len(a.tensors))
	}
	return a.tensors[0]
}

// Tensors returns the tensors of the activity, in order. The slice is a copy, the tensors are not.
func (a Activity) Tensors() []*tensors.Tensor {
	ts := make([]*tensors.Tensor, len(a.tensors))
	copy(ts, a.tensors)
	return ts
}

// String implements fmt.Stringer.
func (a Activity) String() string {
	if !a.IsMultiple() {
		return fmt.Sprintf("Single(%s)", a.tensors[0])
	}
	parts := make([]string, len(a.tensors))
	for ii, t := range a.tensors {
		parts[ii] = t.String()
	}
	return fmt.Sprintf("Multiple(%s)", strings.Join(parts, ", "))
}

// Module is a layer of a host model.
type Module interface {
	// Forward computes the output of the module for input.
	Forward(input Activity) (Activity, error)

	// Backward computes the gradient of the input of the module, given the input of the last Forward call and
	// the gradient of its output.
	Backward(input, gradOutput Activity) (Activity, error)

	// AccGradParameters accumulates the gradient of the parameters computed by the last Backward call.
	AccGradParameters() error

	// ZeroGradParameters zeroes the accumulated gradient of the parameters.
	ZeroGradParameters()

	// Parameters returns the weights of the module and the matching accumulated gradients.
	Parameters() (weights, gradWeights []*tensors.Tensor)

	// Training sets the module in training mode: Forward prepares for a following Backward.
	Training()

	// Evaluate sets the module in inference mode.
	Evaluate()
}
