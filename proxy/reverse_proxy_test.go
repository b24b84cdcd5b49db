// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fnndsc/cni-store-proxy/lib/testutil"
)

// recordingObserver delivers every observed response on seen.
type recordingObserver struct {
	wants   func(RequestInfo, int, string) bool
	seen    chan ObservedResponse
	err     error
	panics  bool
	release chan struct{}
}

func newRecordingObserver(wants func(RequestInfo, int, string) bool) *recordingObserver {
	return &recordingObserver{wants: wants, seen: make(chan ObservedResponse, 8)}
}

func (o *recordingObserver) Wants(request RequestInfo, statusCode int, reason string) bool {
	return o.wants(request, statusCode, reason)
}

func (o *recordingObserver) Observe(ctx context.Context, response ObservedResponse) error {
	if o.release != nil {
		<-o.release
	}
	o.seen <- response
	if o.panics {
		panic("observer exploded")
	}
	return o.err
}

func wantsAll(RequestInfo, int, string) bool { return true }

func newTestProxy(t *testing.T, upstream string, observers ...Observer) *ReverseProxy {
	t.Helper()
	reverseProxy, err := NewReverseProxy(ReverseProxyConfig{
		Upstream:  upstream,
		Observers: observers,
	})
	if err != nil {
		t.Fatalf("NewReverseProxy: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reverseProxy.Wait(ctx)
	})
	return reverseProxy
}

func TestNewReverseProxy(t *testing.T) {
	for _, upstream := range []string{"", "store:8010", "://bad"} {
		if _, err := NewReverseProxy(ReverseProxyConfig{Upstream: upstream}); err == nil {
			t.Errorf("NewReverseProxy(%q) succeeded", upstream)
		}
	}
}

func TestReverseProxyForwardsRequest(t *testing.T) {
	var upstreamHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Store", "yes")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"method":          r.Method,
			"path":            r.URL.Path,
			"query":           r.URL.RawQuery,
			"host":            r.Host,
			"authorization":   r.Header.Get("Authorization"),
			"proxy_auth":      r.Header.Get("Proxy-Authorization"),
			"x_forwarded_for": r.Header.Get("X-Forwarded-For"),
			"body":            string(body),
		})
	}))
	defer upstream.Close()
	parsed, _ := url.Parse(upstream.URL)
	upstreamHost = parsed.Host

	reverseProxy := newTestProxy(t, upstream.URL)

	request := httptest.NewRequest("PUT", "http://proxy.example/api/v1/plugins/3/?limit=5", strings.NewReader("payload"))
	request.Header.Set("Authorization", "Token abc")
	request.Header.Set("Proxy-Authorization", "Basic c2VjcmV0")
	recorder := httptest.NewRecorder()
	reverseProxy.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", recorder.Code)
	}
	if recorder.Header().Get("X-Store") != "yes" {
		t.Error("upstream response header not copied")
	}
	var seen map[string]string
	if err := json.NewDecoder(recorder.Body).Decode(&seen); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"method":          "PUT",
		"path":            "/api/v1/plugins/3/",
		"query":           "limit=5",
		"host":            upstreamHost,
		"authorization":   "Token abc",
		"proxy_auth":      "",
		"x_forwarded_for": "",
		"body":            "payload",
	}
	for key, value := range want {
		if seen[key] != value {
			t.Errorf("upstream saw %s=%q, want %q", key, seen[key], value)
		}
	}
}

func TestReverseProxyDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/v1/elsewhere/", http.StatusFound)
	}))
	defer upstream.Close()

	recorder := httptest.NewRecorder()
	newTestProxy(t, upstream.URL).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/", nil))

	if recorder.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", recorder.Code)
	}
	if location := recorder.Header().Get("Location"); location != "/api/v1/elsewhere/" {
		t.Errorf("Location = %q", location)
	}
}

func TestReverseProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	address := upstream.URL
	upstream.Close()

	recorder := httptest.NewRecorder()
	newTestProxy(t, address).ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/", nil))
	if recorder.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", recorder.Code)
	}
}

func TestReverseProxyHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	reverseProxy, err := NewReverseProxy(ReverseProxyConfig{
		Upstream:              upstream.URL,
		ResponseHeaderTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReverseProxy: %v", err)
	}

	start := time.Now()
	recorder := httptest.NewRecorder()
	reverseProxy.ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/", nil))
	if recorder.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", recorder.Code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("request took %v, want it bounded by the header timeout", elapsed)
	}
}

func createdUpstream(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.collection+json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, body)
	}))
}

func TestObserverSeesDeliveredBody(t *testing.T) {
	body := strings.Repeat(`{"collection":{"items":[]}}`, 2000)
	upstream := createdUpstream(body)
	defer upstream.Close()

	observer := newRecordingObserver(func(request RequestInfo, status int, reason string) bool {
		return request.Method == "POST" && status == 201 && reason == "Created"
	})
	reverseProxy := newTestProxy(t, upstream.URL, observer)

	recorder := httptest.NewRecorder()
	reverseProxy.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/v1/plugins/?x=1", strings.NewReader("form")))
	if recorder.Body.String() != body {
		t.Fatal("client body differs from upstream body")
	}

	observed := testutil.RequireReceive(t, observer.seen, 5*time.Second, "waiting for observation")
	if string(observed.Body) != body {
		t.Errorf("observed %d bytes, want %d", len(observed.Body), len(body))
	}
	if observed.Request.Path != "/api/v1/plugins/" || observed.Request.RawQuery != "x=1" {
		t.Errorf("request info = %+v", observed.Request)
	}
	if observed.StatusCode != 201 || observed.Reason != "Created" {
		t.Errorf("status = %d %q", observed.StatusCode, observed.Reason)
	}
}

func TestObserverNotCalledWhenUninterested(t *testing.T) {
	upstream := createdUpstream(`{}`)
	defer upstream.Close()

	observer := newRecordingObserver(func(RequestInfo, int, string) bool { return false })
	reverseProxy := newTestProxy(t, upstream.URL, observer)

	recorder := httptest.NewRecorder()
	reverseProxy.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/v1/plugins/", nil))
	if err := reverseProxy.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	testutil.RequireNoReceive(t, observer.seen, 50*time.Millisecond, "uninterested observer ran")
}

func TestObserverDoesNotDelayResponse(t *testing.T) {
	upstream := createdUpstream(`{"ok":true}`)
	defer upstream.Close()

	observer := newRecordingObserver(wantsAll)
	observer.release = make(chan struct{})
	reverseProxy := newTestProxy(t, upstream.URL, observer)

	served := make(chan struct{})
	go func() {
		recorder := httptest.NewRecorder()
		reverseProxy.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/v1/plugins/", nil))
		close(served)
	}()
	testutil.RequireClosed(t, served, 5*time.Second, "ServeHTTP blocked on observer")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := reverseProxy.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait returned %v while observer was blocked", err)
	}

	close(observer.release)
	testutil.RequireReceive(t, observer.seen, 5*time.Second, "observer after release")
	if err := reverseProxy.Wait(context.Background()); err != nil {
		t.Errorf("Wait after release: %v", err)
	}
}

func TestObserverFailuresIsolated(t *testing.T) {
	upstream := createdUpstream(`{"ok":true}`)
	defer upstream.Close()

	panicking := newRecordingObserver(wantsAll)
	panicking.panics = true
	failing := newRecordingObserver(wantsAll)
	failing.err = errors.New("pipeline broke")
	healthy := newRecordingObserver(wantsAll)
	reverseProxy := newTestProxy(t, upstream.URL, panicking, failing, healthy)

	recorder := httptest.NewRecorder()
	reverseProxy.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/v1/plugins/", nil))
	if recorder.Code != http.StatusCreated || recorder.Body.String() != `{"ok":true}` {
		t.Fatalf("client response altered: %d %q", recorder.Code, recorder.Body.String())
	}

	for _, observer := range []*recordingObserver{panicking, failing, healthy} {
		testutil.RequireReceive(t, observer.seen, 5*time.Second, "observer did not run")
	}
	if err := reverseProxy.Wait(context.Background()); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestObservationLimit(t *testing.T) {
	body := strings.Repeat("x", 4096)
	upstream := createdUpstream(body)
	defer upstream.Close()

	observer := newRecordingObserver(wantsAll)
	reverseProxy, err := NewReverseProxy(ReverseProxyConfig{
		Upstream:        upstream.URL,
		Observers:       []Observer{observer},
		MaxObservedBody: 1024,
	})
	if err != nil {
		t.Fatal(err)
	}

	recorder := httptest.NewRecorder()
	reverseProxy.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/v1/plugins/", nil))
	if recorder.Body.Len() != len(body) {
		t.Errorf("client got %d bytes, want %d", recorder.Body.Len(), len(body))
	}
	reverseProxy.Wait(context.Background())
	testutil.RequireNoReceive(t, observer.seen, 50*time.Millisecond, "oversized body observed")
}

// failingWriter fails every body write, like a client that hung up.
type failingWriter struct {
	*httptest.ResponseRecorder
}

func (w failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("write: broken pipe")
}

func TestObserverRunsWhenClientHangsUp(t *testing.T) {
	body := strings.Repeat("y", 100*1024)
	upstream := createdUpstream(body)
	defer upstream.Close()

	observer := newRecordingObserver(wantsAll)
	reverseProxy := newTestProxy(t, upstream.URL, observer)

	reverseProxy.ServeHTTP(failingWriter{httptest.NewRecorder()}, httptest.NewRequest("POST", "/api/v1/plugins/", nil))
	observed := testutil.RequireReceive(t, observer.seen, 5*time.Second, "waiting for observation")
	if len(observed.Body) != len(body) {
		t.Errorf("observed %d bytes, want the complete %d", len(observed.Body), len(body))
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/api/v1/", "/api/v1/"},
		{"/store", "/api/v1/", "/store/api/v1/"},
		{"/store/", "/api/v1/", "/store/api/v1/"},
		{"/store", "api", "/store/api"},
	}
	for _, test := range tests {
		if got := singleJoiningSlash(test.a, test.b); got != test.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", test.a, test.b, got, test.want)
		}
	}
}
