// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/tensors"
	"github.com/gomlx/graphnet/pkg/ml/graphnet"
	"github.com/gomlx/graphnet/pkg/ml/layers"
	"github.com/gomlx/graphnet/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type runOptions struct {
	inputs   []string
	dims     []string
	repeat   int
	backward bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <model_folder>",
		Short: "Run the graph of a model folder on the given inputs, and print the outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := newBackend()
			if err != nil {
				return err
			}
			return run(cmd.OutOrStdout(), backend, args[0], opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.inputs, "input", nil,
		"Comma-separated values of one input, in row-major order. Repeat the flag once per graph input.")
	cmd.Flags().StringArrayVar(&opts.dims, "dims", nil,
		"Dimensions of the corresponding --input, e.g.: \"2x3\". Defaults to a vector with all the values.")
	cmd.Flags().IntVar(&opts.repeat, "repeat", 1, "Number of times to run the graph, to measure its speed.")
	cmd.Flags().BoolVar(&opts.backward, "backward", false,
		"Also run the backward graph, with a gradient of 1 for every output, and print the gradients.")
	return cmd
}

func run(w io.Writer, backend backends.Backend, dir string, opts runOptions) error {
	inputs, err := parseInputs(opts.inputs, opts.dims)
	if err != nil {
		return err
	}
	config, err := sessionConfig()
	if err != nil {
		return err
	}
	klog.V(1).Infof("session configuration: %q", config)
	net, err := graphnet.FromFolder(backend, dir, config.Encode())
	if err != nil {
		return err
	}
	defer func() {
		if err := net.Finalize(); err != nil {
			klog.Errorf("finalizing net: %+v", err)
		}
	}()
	if opts.backward {
		net.Training()
	}

	input := layers.Multiple(inputs...)
	if len(inputs) == 1 {
		input = layers.Single(inputs[0])
	}
	var output layers.Activity
	start := time.Now()
	for range max(opts.repeat, 1) {
		if output, err = net.Forward(input); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	meta := net.Meta()
	for ii, name := range meta.OutputNames {
		fmt.Fprintf(w, "%s: %s\n", name, output.At(ii))
	}
	if opts.repeat > 1 {
		fmt.Fprintf(w, "%d runs in %s (%s per run)\n", opts.repeat, elapsed, elapsed/time.Duration(opts.repeat))
	}
	if !opts.backward {
		return nil
	}

	gradOutputs := xslices.Map(output.Tensors(), func(t *tensors.Tensor) *tensors.Tensor {
		return tensors.FromDimensions(t.Dimensions()...).Fill(1)
	})
	gradOutput := layers.Multiple(gradOutputs...)
	if !output.IsMultiple() {
		gradOutput = layers.Single(gradOutputs[0])
	}
	gradInput, err := net.Backward(input, gradOutput)
	if err != nil {
		return err
	}
	if err := net.AccGradParameters(); err != nil {
		return err
	}
	for ii, name := range meta.InputNames {
		fmt.Fprintf(w, "d/d(%s): %s\n", name, gradInput.At(ii))
	}
	_, gradWeights := net.Parameters()
	for ii, name := range meta.VariableNames {
		fmt.Fprintf(w, "d/d(%s): %s\n", name, gradWeights[ii])
	}
	return nil
}

// parseInputs converts the --input values into tensors, shaped by the corresponding --dims.
func parseInputs(values, dims []string) ([]*tensors.Tensor, error) {
	if len(values) == 0 {
		return nil, errors.New("at least one --input is required")
	}
	if len(dims) > len(values) {
		return nil, errors.Errorf("%d --dims given for %d --input", len(dims), len(values))
	}
	inputs := make([]*tensors.Tensor, len(values))
	for ii, value := range values {
		flat, err := parseValues(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "--input #%d", ii)
		}
		dimensions := []int{len(flat)}
		if ii < len(dims) {
			if dimensions, err = parseDims(dims[ii]); err != nil {
				return nil, errors.WithMessagef(err, "--dims #%d", ii)
			}
		}
		size := 1
		for _, dim := range dimensions {
			size *= dim
		}
		if size != len(flat) {
			return nil, errors.Errorf("--input #%d has %d values, but --dims %s requires %d", ii, len(flat),
				xslices.Join(dimensions, "x"), size)
		}
		inputs[ii] = tensors.FromFlatDataAndDimensions(flat, dimensions...)
	}
	return inputs, nil
}

// parseValues parses comma-separated float32 values.
func parseValues(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	flat := make([]float32, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid value %q", part)
		}
		flat = append(flat, float32(v))
	}
	return flat, nil
}

// parseDims parses dimensions separated by "x", e.g.: "2x3". An empty string is a scalar.
func parseDims(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, "x")
	dims := make([]int, len(parts))
	for ii, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || dim < 0 {
			return nil, errors.Errorf("invalid dimension %q in %q", part, s)
		}
		dims[ii] = dim
	}
	return dims, nil
}
