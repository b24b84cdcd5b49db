// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
)

// AuthError means the Store did not accept the caller's credential, or
// the caller sent none.
type AuthError struct {
	// Message is returned to the caller: the Store's detail when it
	// gave one.
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not logged into store: %s: %v", e.Message, e.Err)
	}
	return "not logged into store: " + e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// OwnershipError means the caller's owned plugins do not include the
// requested id.
type OwnershipError struct {
	PluginID string
}

func (e *OwnershipError) Error() string {
	return "You do not own plugin ID " + e.PluginID
}

// IntegrityError means CUBE does not hold the submission and evaluator
// instances an upload should have produced.
type IntegrityError struct {
	Plugin string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Reason, e.Err)
	}
	return fmt.Sprintf("plugin %q: %s", e.Plugin, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ErrFileNotFound covers both an unknown file id and a file name that
// does not match the id. Callers cannot tell the two apart.
var ErrFileNotFound = errors.New("file not found")
