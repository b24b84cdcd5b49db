// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestStatusErrorDetail(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"detail":"Invalid token."}`, "Invalid token."},
		{`{"error":"other"}`, ""},
		{`<html>boom</html>`, ""},
	}
	for _, test := range tests {
		statusError := &StatusError{Body: test.body}
		if got := statusError.Detail(); got != test.want {
			t.Errorf("Detail(%s) = %q, want %q", test.body, got, test.want)
		}
	}
}

func TestNewStatusError(t *testing.T) {
	requestURL, _ := url.Parse("http://cube.test/api/v1/plugins/search/")
	response := &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader(`{"detail":"Not found."}`)),
		Request:    &http.Request{Method: http.MethodGet, URL: requestURL},
	}
	statusError := NewStatusError("cube", response)
	if statusError.StatusCode != 404 || statusError.Method != "GET" || statusError.URL != requestURL.String() {
		t.Errorf("unexpected StatusError: %+v", statusError)
	}

	wrapped := fmt.Errorf("searching plugin: %w", statusError)
	if StatusCode(wrapped) != 404 {
		t.Errorf("StatusCode(wrapped) = %d, want 404", StatusCode(wrapped))
	}
	if StatusCode(errors.New("plain")) != 0 {
		t.Error("StatusCode of a plain error should be 0")
	}
	if !strings.Contains(statusError.Error(), "Not found.") {
		t.Errorf("Error() = %q, want body included", statusError.Error())
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Error("DeadlineExceeded not classified as timeout")
	}
	if IsTimeout(context.Canceled) {
		t.Error("Canceled classified as timeout")
	}
	if IsTimeout(nil) {
		t.Error("nil classified as timeout")
	}
}

func TestReadResponseBounded(t *testing.T) {
	data, err := ReadResponse(strings.NewReader("hello"))
	if err != nil || string(data) != "hello" {
		t.Errorf("ReadResponse = %q, %v", data, err)
	}
	var decoded map[string]int
	if err := DecodeResponse(strings.NewReader(`{"id":7}`), &decoded); err != nil || decoded["id"] != 7 {
		t.Errorf("DecodeResponse = %v, %v", decoded, err)
	}
}

func TestIsClientGone(t *testing.T) {
	if !IsClientGone(fmt.Errorf("write: %w", io.EOF)) {
		t.Error("EOF not classified as client gone")
	}
	if IsClientGone(errors.New("disk full")) {
		t.Error("unrelated error classified as client gone")
	}
	if IsClientGone(nil) {
		t.Error("nil classified as client gone")
	}
}
