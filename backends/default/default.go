// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default registers the execution engines built with GraphNet, currently the reference one ("go").
//
// To use it simply include:
//
//	import _ "github.com/gomlx/graphnet/backends/default"
//
// Engines wrapping external runtimes register themselves the same way, with backends.Register.
package _default

import (
	_ "github.com/gomlx/graphnet/backends/simplego"
)
