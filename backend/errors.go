// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import "errors"

// ErrNotFound is returned (wrapped) when a search finds no exact match.
var ErrNotFound = errors.New("backend: not found")

// RegistrationError reports a failed out-of-band registration. Output
// holds whatever the registration channel reported, for the log.
type RegistrationError struct {
	Plugin string
	Output string
	Err    error
}

func (e *RegistrationError) Error() string {
	return "backend: registering " + e.Plugin + ": " + e.Err.Error()
}

func (e *RegistrationError) Unwrap() error { return e.Err }
