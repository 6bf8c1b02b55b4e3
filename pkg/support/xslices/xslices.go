// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"fmt"
	"strings"
)

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Join formats the elements with fmt's "%v" and joins them with sep.
func Join[T any](in []T, sep string) string {
	return strings.Join(Map(in, func(e T) string { return fmt.Sprintf("%v", e) }), sep)
}
