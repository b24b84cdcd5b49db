// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, corsOrigin string) (*Server, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "store:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	bridge := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "bridge:"+r.URL.Path)
	})
	server, err := NewServer(ServerConfig{
		ListenAddress: "127.0.0.1:0",
		Proxy:         newTestProxy(t, upstream.URL),
		Bridge:        bridge,
		BridgePrefix:  "/cni",
		AncestorID:    1,
		CORSOrigin:    corsOrigin,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return server, upstream
}

func TestServerRouting(t *testing.T) {
	server, _ := newTestServer(t, "")
	handler := server.Handler()

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/api/v1/plugins/", http.StatusOK, "store:/api/v1/plugins/"},
		{"/cni/42/", http.StatusOK, "bridge:/cni/42/"},
		{"/cni/42/files/7/out.txt", http.StatusOK, "bridge:/cni/42/files/7/out.txt"},
		{"/other", http.StatusNotFound, ""},
	}
	for _, test := range tests {
		t.Run(test.path, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest("GET", test.path, nil))
			if recorder.Code != test.status {
				t.Fatalf("status = %d, want %d", recorder.Code, test.status)
			}
			if test.body != "" && recorder.Body.String() != test.body {
				t.Errorf("body = %q, want %q", recorder.Body.String(), test.body)
			}
		})
	}
}

func TestServerHealth(t *testing.T) {
	server, _ := newTestServer(t, "")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/health", nil))

	var health struct {
		Status     string `json:"status"`
		AncestorID int    `json:"ancestor_instance_id"`
	}
	if err := json.NewDecoder(recorder.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.AncestorID != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestServerCORS(t *testing.T) {
	server, _ := newTestServer(t, "https://cni.example")

	request := httptest.NewRequest("GET", "/cni/42/", nil)
	request.Header.Set("Origin", "https://cni.example")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, request)
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://cni.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	request = httptest.NewRequest("GET", "/cni/42/", nil)
	request.Header.Set("Origin", "https://evil.example")
	recorder = httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, request)
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

func TestServerStartShutdown(t *testing.T) {
	server, _ := newTestServer(t, "")
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	response, err := http.Get("http://" + server.Addr().String() + "/api/v1/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if string(body) != "store:/api/v1/" {
		t.Errorf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if _, err := http.Get("http://" + server.Addr().String() + "/api/v1/"); err == nil {
		t.Error("server still accepting after Shutdown")
	}
}

func TestNewServerValidation(t *testing.T) {
	reverseProxy := newTestProxy(t, "http://store:8010")
	if _, err := NewServer(ServerConfig{Proxy: reverseProxy}); err == nil {
		t.Error("missing listen address accepted")
	}
	if _, err := NewServer(ServerConfig{ListenAddress: ":0"}); err == nil {
		t.Error("missing proxy accepted")
	}
	_, err := NewServer(ServerConfig{
		ListenAddress: ":0",
		Proxy:         reverseProxy,
		Bridge:        http.NotFoundHandler(),
		BridgePrefix:  "/api",
	})
	if err == nil {
		t.Error("bridge prefix /api accepted")
	}
}
