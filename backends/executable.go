// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Feed associates a native tensor to the name of a value in the graph, to be used as its value during one Run.
type Feed struct {
	Name   string
	Tensor Tensor
}

// Session is the API of an execution context bound to one Graph and configured once.
//
// A Session is not safe for concurrent use.
type Session interface {
	// Run computes the fetches given the feeds and returns one newly created native tensor per fetch, in order.
	// The caller owns the returned tensors and must Finalize them.
	//
	// Feeds are not consumed: they remain owned by the caller.
	Run(feeds []Feed, fetches []string) ([]Tensor, error)

	// Assign sets the state of the named variable to a copy of the tensor, for all following runs.
	// The tensor remains owned by the caller.
	Assign(variable string, tensor Tensor) error

	// Close releases the session resources.
	Close() error
}
