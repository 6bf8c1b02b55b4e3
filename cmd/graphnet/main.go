// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// graphnet inspects and runs model folders (frozen_inference_graph.pb and graph_meta.json) with the GraphNet
// execution engines.
//
// Usage:
//
//	graphnet inspect <model_folder>
//	graphnet run <model_folder> --input=1,2,3 --dims=3
//	graphnet config --session="intra=2,per_session"
//	graphnet backends
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/gomlx/graphnet/backends"
	_ "github.com/gomlx/graphnet/backends/default"
	"github.com/gomlx/graphnet/pkg/core/sessionconfig"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	flagBackend       string
	flagSession       string
	flagSessionConfig string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "graphnet",
		Short:         "Inspect and run frozen graphs with the GraphNet execution engines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagBackend, "backend", "",
		"Backend configuration \"<name>:<config>\". Defaults to $"+backends.GRAPHNET_BACKEND+
			" or the first registered backend.")
	root.PersistentFlags().StringVar(&flagSession, "session", "",
		"Session configuration, e.g.: \"intra=2,inter=1,per_session\". Defaults to $"+sessionconfig.EnvVar+".")
	root.PersistentFlags().StringVar(&flagSessionConfig, "session_config", "",
		"TOML file with the session configuration (intra_op_threads, inter_op_threads, per_session_threads). "+
			"Takes precedence over --session.")

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(newInspectCmd(), newRunCmd(), newConfigCmd(), newBackendsCmd())
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// backendsByConfig holds the backends created by newBackend, so that commands reuse the graphs imported into
// them (see registry.Graphs).
var backendsByConfig = make(map[string]backends.Backend)

// newBackend returns the backend selected by --backend, created on first use.
func newBackend() (backends.Backend, error) {
	if backend, found := backendsByConfig[flagBackend]; found {
		return backend, nil
	}
	var backend backends.Backend
	var err error
	if flagBackend == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(flagBackend)
	}
	if err != nil {
		return nil, err
	}
	backendsByConfig[flagBackend] = backend
	return backend, nil
}

// sessionConfig returns the session configuration selected by the flags, or the environment.
func sessionConfig() (sessionconfig.Config, error) {
	switch {
	case flagSessionConfig != "":
		return sessionconfig.LoadFile(flagSessionConfig)
	case flagSession != "":
		return sessionconfig.Parse(flagSession)
	default:
		c, err := sessionconfig.FromEnv()
		return c, errors.WithMessagef(err, "invalid $%s", sessionconfig.EnvVar)
	}
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the registered backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := newPlainTable(true)
			table.Row("name", "description")
			for _, name := range backends.List() {
				backend, err := backends.NewWithConfig(name)
				if err != nil {
					table.Row(name, err.Error())
					continue
				}
				table.Row(name, backend.Description())
				backend.Finalize()
			}
			fmt.Fprintln(cmd.OutOrStdout(), table.Render())
			return nil
		},
	}
}
