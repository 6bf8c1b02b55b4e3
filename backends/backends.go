// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface GraphNet needs from an external graph-execution engine.
//
// An engine imports an immutable, serialized graph (Backend.ImportGraph), opens sessions over it
// (Backend.NewSession) and exchanges data through native tensors (Tensor), which are scarce resources
// that must be explicitly released with Tensor.Finalize.
//
// Engines register themselves by name (see Register), and a default one is selected with New,
// following the GRAPHNET_BACKEND environment variable.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a GraphNet execution engine.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the pure Go reference engine.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities returns what the backend supports.
	Capabilities() Capabilities

	// ImportGraph parses a serialized graph definition into a new Graph.
	ImportGraph(graphDef []byte) (Graph, error)

	// NewSession opens a session over graph, configured with the given opaque options blob
	// (see package sessionconfig). The session must be closed with Session.Close.
	NewSession(graph Graph, config []byte) (Session, error)

	// DataInterface is the sub-interface that defines the API to create and read native tensors.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GRAPHNET_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const GRAPHNET_BACKEND = "GRAPHNET_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GRAPHNET_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(GRAPHNET_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends for GraphNet -- maybe import the reference one with import _ "github.com/gomlx/graphnet/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
