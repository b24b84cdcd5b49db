// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fnndsc/cni-store-proxy/lib/netutil"
)

// DefaultMaxObservedBody bounds the side buffer of an observed response.
const DefaultMaxObservedBody = 1 << 20

// DefaultResponseHeaderTimeout bounds the wait for upstream response
// headers when ReverseProxyConfig leaves it unset.
const DefaultResponseHeaderTimeout = 5 * time.Second

// ReverseProxy forwards requests to one upstream and observes responses.
type ReverseProxy struct {
	upstream        *url.URL
	observers       []Observer
	maxObservedBody int
	client          *http.Client
	logger          *slog.Logger

	inflight sync.WaitGroup
}

// ReverseProxyConfig holds configuration for creating a ReverseProxy.
type ReverseProxyConfig struct {
	// Upstream is the target base URL, e.g. "http://chris-store:8010".
	Upstream string

	// Observers are consulted for every response, in order.
	Observers []Observer

	// MaxObservedBody bounds the buffered body of an observed response.
	// Larger bodies are delivered to the client but not observed.
	// Default: DefaultMaxObservedBody.
	MaxObservedBody int

	// ResponseHeaderTimeout bounds the wait for upstream response headers,
	// counted from the end of the request body. Streaming of the response
	// body is not bounded. Default: DefaultResponseHeaderTimeout.
	ResponseHeaderTimeout time.Duration

	// Transport overrides the upstream transport (tests).
	Transport http.RoundTripper

	// Logger for request logging.
	Logger *slog.Logger
}

// NewReverseProxy creates a ReverseProxy.
func NewReverseProxy(config ReverseProxyConfig) (*ReverseProxy, error) {
	if config.Upstream == "" {
		return nil, fmt.Errorf("upstream URL is required")
	}
	upstream, err := url.Parse(config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", config.Upstream)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxObservedBody := config.MaxObservedBody
	if maxObservedBody <= 0 {
		maxObservedBody = DefaultMaxObservedBody
	}

	headerTimeout := config.ResponseHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = DefaultResponseHeaderTimeout
	}

	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
			// Bodies pass through with their original encoding.
			DisableCompression: true,
		}
	}

	return &ReverseProxy{
		upstream:        upstream,
		observers:       config.Observers,
		maxObservedBody: maxObservedBody,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}, nil
}

// Wait blocks until every dispatched observer has returned, or ctx is
// done.
func (p *ReverseProxy) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP forwards r to the upstream.
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	upstreamURL := *p.upstream
	upstreamURL.Path = singleJoiningSlash(p.upstream.Path, r.URL.Path)
	upstreamURL.RawPath = singleJoiningSlash(p.upstream.EscapedPath(), r.URL.EscapedPath())
	upstreamURL.RawQuery = r.URL.RawQuery

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), body)
	if err != nil {
		p.logger.Error("failed to create upstream request", "error", err)
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}
	upstreamReq.ContentLength = r.ContentLength

	for key, values := range r.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			upstreamReq.Header.Add(key, value)
		}
	}

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		if r.Context().Err() != nil {
			p.logger.Debug("client went away before upstream answered",
				"method", r.Method,
				"path", r.URL.Path,
			)
			return
		}
		p.logger.Error("upstream request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"duration", time.Since(startTime),
		)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	info := RequestInfo{Method: r.Method, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")

	var interested []Observer
	for _, observer := range p.observers {
		if observer.Wants(info, resp.StatusCode, reason) {
			interested = append(interested, observer)
		}
	}

	w.WriteHeader(resp.StatusCode)

	if len(interested) == 0 {
		bytesCopied, copyErr := copyFlushing(w, resp.Body)
		p.logComplete(r, resp.StatusCode, bytesCopied, copyErr, startTime)
		return
	}

	side := &sideBuffer{limit: p.maxObservedBody}
	bytesCopied, readErr, writeErr := teeToClient(w, resp.Body, side)
	p.logComplete(r, resp.StatusCode, bytesCopied, writeErr, startTime)

	if readErr != nil {
		p.logger.Warn("upstream body incomplete, response not observed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", readErr,
		)
		return
	}
	if side.overflow {
		p.logger.Warn("response body exceeds observation limit, response not observed",
			"method", r.Method,
			"path", r.URL.Path,
			"limit", p.maxObservedBody,
		)
		return
	}

	observed := ObservedResponse{
		Request:    info,
		StatusCode: resp.StatusCode,
		Reason:     reason,
		Header:     resp.Header.Clone(),
		Body:       side.data,
	}
	ctx := context.WithoutCancel(r.Context())
	for _, observer := range interested {
		p.dispatch(ctx, observer, observed)
	}
}

func (p *ReverseProxy) dispatch(ctx context.Context, observer Observer, observed ObservedResponse) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				p.logger.Error("observer panicked",
					"observer", fmt.Sprintf("%T", observer),
					"path", observed.Request.Path,
					"panic", recovered,
				)
			}
		}()
		if err := observer.Observe(ctx, observed); err != nil {
			p.logger.Error("observer failed",
				"observer", fmt.Sprintf("%T", observer),
				"path", observed.Request.Path,
				"error", err,
			)
		}
	}()
}

// teeToClient streams body to w while filling side. A client write
// failure stops writes to w but reading continues, so the observers
// still see the complete upstream body.
func teeToClient(w http.ResponseWriter, body io.Reader, side io.Writer) (written int64, readErr, writeErr error) {
	buffer := make([]byte, 32*1024)
	for {
		n, err := body.Read(buffer)
		if n > 0 {
			side.Write(buffer[:n])
			if writeErr == nil {
				var count int
				count, writeErr = w.Write(buffer[:n])
				written += int64(count)
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil, writeErr
		}
		if err != nil {
			return written, err, writeErr
		}
	}
}

// copyFlushing copies body to w, flushing after each chunk so streamed
// upstream responses stay streamed.
func copyFlushing(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return io.Copy(w, body)
	}
	buffer := make([]byte, 32*1024)
	var total int64
	for {
		n, err := body.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
			flusher.Flush()
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (p *ReverseProxy) logComplete(r *http.Request, status int, bytesCopied int64, err error, startTime time.Time) {
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"bytes", bytesCopied,
		"duration", time.Since(startTime),
	}
	switch {
	case err == nil:
		p.logger.Info("store proxy complete", attrs...)
	case netutil.IsClientGone(err):
		p.logger.Debug("client disconnected during response", append(attrs, "error", err)...)
	default:
		p.logger.Warn("store proxy copy failed", append(attrs, "error", err)...)
	}
}

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
