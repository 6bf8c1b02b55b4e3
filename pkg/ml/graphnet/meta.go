// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphnet

import (
	"encoding/json"

	"github.com/gomlx/graphnet/pkg/core/graphdef"
	"github.com/gomlx/graphnet/pkg/support/errs"
	"github.com/gomlx/graphnet/pkg/support/sets"
	"github.com/gomlx/graphnet/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Meta describes the contract of the embedded graph: the names of the tensors fed and fetched.
//
// Tensor names have the form "<op>:<index>". The presence of variables signals that the graph has a backward
// part: in that case the gradient names default to the gradient counterparts ("<op>_grad:<index>", see
// graphdef.GradName) of the inputs and variables.
type Meta struct {
	// InputNames are fed with the inputs of Forward, in order.
	InputNames []string `json:"input_names"`

	// OutputNames are fetched as the outputs of Forward, in order.
	OutputNames []string `json:"output_names"`

	// VariableNames are the variables of the graph, fed with the weights of the Net.
	VariableNames []string `json:"variables,omitempty"`

	// GradInputNames are fetched as the gradient of the inputs by Backward.
	GradInputNames []string `json:"grad_inputs,omitempty"`

	// GradVariableNames are fetched as the gradient of the variables by Backward.
	GradVariableNames []string `json:"grad_variables,omitempty"`

	// TempTensorNames are fetched during a training Forward, and fed back during the following Backward.
	TempTensorNames []string `json:"temp_tensors,omitempty"`
}

// HasBackward returns whether the graph declares variables, and hence can compute gradients.
func (m Meta) HasBackward() bool {
	return len(m.VariableNames) > 0
}

// GradOutputNames returns the names under which the gradients of the outputs are fed during Backward.
func (m Meta) GradOutputNames() []string {
	return xslices.Map(m.OutputNames, graphdef.GradName)
}

// WithDefaults returns a copy of the Meta with the gradient names filled in, if the graph has a backward part
// and they were not given.
func (m Meta) WithDefaults() Meta {
	if !m.HasBackward() {
		return m
	}
	if len(m.GradInputNames) == 0 {
		m.GradInputNames = xslices.Map(m.InputNames, graphdef.GradName)
	}
	if len(m.GradVariableNames) == 0 {
		m.GradVariableNames = xslices.Map(m.VariableNames, graphdef.GradName)
	}
	return m
}

// Validate checks the Meta is consistent: it returns an error wrapping errs.ErrPrecondition otherwise.
func (m Meta) Validate() error {
	if len(m.InputNames) == 0 || len(m.OutputNames) == 0 {
		return errs.Preconditionf("graph meta must declare inputs and outputs, got inputs %q and outputs %q",
			m.InputNames, m.OutputNames)
	}
	if m.HasBackward() {
		if len(m.GradInputNames) != len(m.InputNames) {
			return errs.Preconditionf("graph meta declares %d inputs %q but %d gradient inputs %q",
				len(m.InputNames), m.InputNames, len(m.GradInputNames), m.GradInputNames)
		}
		if len(m.GradVariableNames) != len(m.VariableNames) {
			return errs.Preconditionf("graph meta declares %d variables %q but %d gradient variables %q",
				len(m.VariableNames), m.VariableNames, len(m.GradVariableNames), m.GradVariableNames)
		}
	}
	for _, names := range [][]string{m.InputNames, m.OutputNames, m.VariableNames, m.TempTensorNames} {
		if name, found := sets.FirstDuplicate(names); found {
			return errs.Preconditionf("graph meta has duplicate tensor name %q", name)
		}
	}
	return nil
}

// AllNames returns all the tensor names referenced by the Meta, except the gradients of the outputs.
func (m Meta) AllNames() []string {
	var all []string
	for _, names := range [][]string{m.InputNames, m.OutputNames, m.VariableNames, m.GradInputNames,
		m.GradVariableNames, m.TempTensorNames} {
		all = append(all, names...)
	}
	return all
}

// ParseMeta parses the JSON form of a Meta, as stored in graph_meta.json.
func ParseMeta(data []byte) (Meta, error) {
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.Wrap(err, "failed to parse graph meta")
	}
	return m, nil
}

// MarshalMeta returns the JSON form of the Meta.
func MarshalMeta(m Meta) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	return data, errors.Wrap(err, "failed to serialize graph meta")
}
