// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/ml/graphnet"
	"github.com/gomlx/graphnet/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model_folder>",
		Short: "Show the graph id, size and tensors declared by a model folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := newBackend()
			if err != nil {
				return err
			}
			return inspect(cmd.OutOrStdout(), backend, args[0])
		},
	}
}

// tensorRole pairs a declared tensor name with its role in the graph contract.
type tensorRole struct {
	role, name string
}

func inspect(w io.Writer, backend backends.Backend, dir string) error {
	graphDef, meta, err := graphnet.ReadFolder(dir)
	if err != nil {
		return err
	}
	graph, err := backend.ImportGraph(graphDef)
	if err != nil {
		return err
	}
	defer graph.Finalize()

	fmt.Fprintln(w, titleStyle.Render("Graph"))
	summary := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	summary.Row("folder", dir)
	summary.Row("id", graphnet.ContentID(graphDef))
	summary.Row("size", humanize.Bytes(uint64(len(graphDef))))
	summary.Row("backend", backend.Name())
	summary.Row("backward", fmt.Sprintf("%v", meta.HasBackward()))
	fmt.Fprintln(w, summary.Render())

	meta = meta.WithDefaults()
	var roles []tensorRole
	addRoles := func(role string, names []string) {
		roles = append(roles, xslices.Map(names, func(name string) tensorRole { return tensorRole{role, name} })...)
	}
	addRoles("input", meta.InputNames)
	addRoles("output", meta.OutputNames)
	addRoles("variable", meta.VariableNames)
	addRoles("temp", meta.TempTensorNames)
	if meta.HasBackward() {
		addRoles("grad output", meta.GradOutputNames())
		addRoles("grad input", meta.GradInputNames)
		addRoles("grad variable", meta.GradVariableNames)
	}

	fmt.Fprintln(w, titleStyle.Render("Tensors"))
	table := newPlainTable(true)
	table.Row("role", "name", "dtype")
	var numMissing int
	for _, r := range roles {
		dtype, err := graph.TensorDType(r.name)
		if err != nil {
			numMissing++
			table.MissingRow(r.role, r.name, "missing")
			continue
		}
		table.Row(r.role, r.name, dtype.String())
	}
	fmt.Fprintln(w, table.Render())
	if numMissing > 0 {
		return errors.Errorf("%d tensor(s) declared in %s are missing from the graph", numMissing, graphnet.MetaFileName)
	}
	return nil
}
