// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphnet

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// GraphFileName is the name of the serialized graph in a model folder.
	GraphFileName = "frozen_inference_graph.pb"

	// MetaFileName is the name of the JSON encoded Meta in a model folder.
	MetaFileName = "graph_meta.json"
)

// FromFile creates an inference-only Net from the serialized graph in the file at path, with the given
// input and output names. The graph id is derived from its contents.
func FromFile(backend backends.Backend, path string, inputNames, outputNames []string, config []byte) (*Net, error) {
	graphDef, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "graphnet.FromFile")
	}
	klog.V(1).Infof("graphnet: read graph from %q (%s)", path, humanize.Bytes(uint64(len(graphDef))))
	meta := Meta{InputNames: inputNames, OutputNames: outputNames}
	return New(backend, graphDef, "", meta, config)
}

// FromFolder creates a Net from a model folder, holding the serialized graph in GraphFileName and its Meta
// in MetaFileName. The graph id is derived from its contents.
func FromFolder(backend backends.Backend, dir string, config []byte) (*Net, error) {
	graphDef, meta, err := ReadFolder(dir)
	if err != nil {
		return nil, err
	}
	return New(backend, graphDef, "", meta, config)
}

// ReadFolder reads the serialized graph and the Meta of a model folder, see FromFolder.
func ReadFolder(dir string) (graphDef []byte, meta Meta, err error) {
	paths, err := fsutil.RequireFiles(dir, GraphFileName, MetaFileName)
	if err != nil {
		return nil, meta, errors.WithMessage(err, "graphnet: invalid model folder")
	}
	graphDef, err = fsutil.ReadFile(paths[0])
	if err != nil {
		return nil, meta, err
	}
	metaJSON, err := fsutil.ReadFile(paths[1])
	if err != nil {
		return nil, meta, err
	}
	meta, err = ParseMeta(metaJSON)
	if err != nil {
		return nil, meta, errors.WithMessagef(err, "graphnet: reading %q", paths[1])
	}
	klog.V(1).Infof("graphnet: read model folder %q: graph of %s, %d inputs, %d outputs, %d variables", dir,
		humanize.Bytes(uint64(len(graphDef))), len(meta.InputNames), len(meta.OutputNames), len(meta.VariableNames))
	return graphDef, meta, nil
}
