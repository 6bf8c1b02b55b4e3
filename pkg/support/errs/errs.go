// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the kinds of errors surfaced by GraphNet.
//
// Errors are always created with github.com/pkg/errors wrapping one of the sentinels below, so
// callers can classify them with errors.Is while still getting the descriptive message (and stack).
//
//	if errors.Is(err, errs.ErrPrecondition) { ... }
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrPrecondition is the kind of the errors reporting a violated precondition: arity mismatch,
	// non-contiguous tensor storage or a zero-length graph payload where bytes were expected.
	// They are not retried.
	ErrPrecondition = errors.New("precondition failed")

	// ErrUnsupportedType is the kind of the errors reporting a dtype outside the supported ones.
	ErrUnsupportedType = errors.New("unsupported type")
)

// Preconditionf returns an ErrPrecondition error with the formatted message.
func Preconditionf(format string, args ...any) error {
	return errors.Wrap(ErrPrecondition, fmt.Sprintf(format, args...))
}

// UnsupportedTypef returns an ErrUnsupportedType error with the formatted message.
func UnsupportedTypef(format string, args ...any) error {
	return errors.Wrap(ErrUnsupportedType, fmt.Sprintf(format, args...))
}
