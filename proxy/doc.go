// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy is the HTTP front of cni-store-proxy.
//
// [ReverseProxy] forwards requests to the ChRIS Store and streams the
// Store's responses back unmodified. Hop-by-hop headers are dropped,
// Host becomes the Store's host, and redirects are passed to the client
// rather than followed.
//
// Responses can be observed. Each registered [Observer] is asked whether
// it wants a response, given the request line and the status. Only when
// one does is the body teed into a side buffer while it streams to the
// client. Once the upstream body has been read to the end, each
// interested observer runs in its own goroutine. The client's bytes are
// never delayed or altered by observation, observer errors and panics are
// logged and go no further, and [ReverseProxy.Wait] blocks until
// in-flight observers return.
//
// [Server] routes /api/ to the reverse proxy, the result bridge's prefix
// to the bridge handler and GET /health to a liveness report, optionally
// behind CORS.
package proxy
