// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers shared by the Store and CUBE
// clients.
//
// Response helpers (ReadResponse, DecodeResponse, ErrorBody) bound every
// JSON body read at MaxResponseSize. They are for API responses; file
// downloads are streamed with io.Copy instead.
//
// [StatusError] is the error every upstream client returns for a non-2xx
// response, so callers can branch on the status with errors.As no matter
// which upstream produced it. [IsTimeout] classifies deadline failures.
package netutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// MaxResponseSize bounds JSON API response reads: 32 MB. CUBE file
// listings are the largest JSON documents either upstream produces and
// stay far below this.
const MaxResponseSize int64 = 32 << 20

// ReadResponse reads an API response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads an API response body and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an error response body for diagnostics. Read errors are
// ignored; a partial body is still useful in a message.
func ErrorBody(body io.Reader) string {
	data, _ := ReadResponse(body)
	return string(data)
}

// StatusError is a non-2xx response from an upstream service.
type StatusError struct {
	// Service names the upstream ("store", "cube", "sideloader").
	Service    string
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s %s returned %d: %s", e.Service, e.Method, e.URL, e.StatusCode, truncate(e.Body, 512))
}

// Detail returns the "detail" member of a Django REST Framework error
// body, which both the Store and CUBE use for human readable failures.
// Returns "" when the body is not such a document.
func (e *StatusError) Detail() string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(e.Body), &body); err != nil {
		return ""
	}
	return body.Detail
}

// NewStatusError builds a StatusError from a response, consuming its body.
func NewStatusError(service string, response *http.Response) *StatusError {
	statusError := &StatusError{
		Service:    service,
		StatusCode: response.StatusCode,
		Body:       ErrorBody(response.Body),
	}
	if response.Request != nil {
		statusError.Method = response.Request.Method
		statusError.URL = response.Request.URL.String()
	}
	return statusError
}

// StatusCode returns the upstream status carried by err, or 0 when err is
// not a StatusError.
func StatusCode(err error) int {
	var statusError *StatusError
	if errors.As(err, &statusError) {
		return statusError.StatusCode
	}
	return 0
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
