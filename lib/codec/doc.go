// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR encoding used for the credential payload that
// a deployment pipes into cni-store-proxy on stdin. Encoding is Core
// Deterministic (RFC 8949 §4.2) so the same payload always produces the
// same bytes.
package codec
