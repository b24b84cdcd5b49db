// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for the cni binaries: the one
// place that writes to stderr without the structured logger, for errors
// that happen before the logger exists.
package process
