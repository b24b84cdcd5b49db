// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build information for the cni binaries.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected with
// -ldflags -X at build time and default to "unknown" / "0.1.0-dev".
// [Info] formats them for --version output, [Full] adds the Go toolchain
// and platform.
package version
