// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/graphnet/pkg/support/xslices"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the session configuration selected by --session, --session_config or the environment, and its encoding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := sessionConfig()
			if err != nil {
				return err
			}
			table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
			table.Row("intra_op_threads", fmt.Sprintf("%d", config.IntraOpThreads))
			table.Row("inter_op_threads", fmt.Sprintf("%d", config.InterOpThreads))
			table.Row("per_session_threads", fmt.Sprintf("%v", config.PerSessionThreads))
			table.Row("encoded", "["+xslices.Join(config.Encode(), " ")+"]")
			fmt.Fprintln(cmd.OutOrStdout(), table.Render())
			return nil
		},
	}
}
