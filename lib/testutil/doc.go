// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern used to wait for work that happens on another goroutine, such
// as the upload pipeline that runs after the proxied response has been
// delivered. The timeout is a hang guard, not a synchronization device.
package testutil
