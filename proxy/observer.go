// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"net/http"
)

// RequestInfo describes the proxied request a response answers.
type RequestInfo struct {
	Method   string
	Path     string
	RawQuery string
}

// ObservedResponse is a complete upstream response handed to an
// observer. Body is shared between observers of the same response and
// must not be modified.
type ObservedResponse struct {
	Request    RequestInfo
	StatusCode int
	// Reason is the status text after the code, e.g. "Created".
	Reason string
	Header http.Header
	Body   []byte
}

// Observer reacts to proxied responses after they have been delivered.
//
// Wants is called on the request goroutine before the body is streamed
// and must be fast. Observe runs on its own goroutine with a context
// that outlives the client request.
type Observer interface {
	Wants(request RequestInfo, statusCode int, reason string) bool
	Observe(ctx context.Context, response ObservedResponse) error
}

// sideBuffer accumulates at most limit bytes. Writes never fail, so it
// can sit behind a tee without affecting the primary stream.
type sideBuffer struct {
	data     []byte
	limit    int
	overflow bool
}

func (b *sideBuffer) Write(p []byte) (int, error) {
	if b.overflow {
		return len(p), nil
	}
	if len(b.data)+len(p) > b.limit {
		b.overflow = true
		b.data = nil
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}
