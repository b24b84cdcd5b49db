// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds credentials in memory that the Go runtime never
// sees.
//
// [Buffer] is backed by an anonymous mmap region that is mlocked (never
// swapped) and marked MADV_DONTDUMP (absent from core dumps). Close zeros
// and unmaps it. The proxy keeps its privileged CUBE password in a Buffer
// for the lifetime of the process; per-request caller credentials are
// never stored here, or anywhere else.
package secret
