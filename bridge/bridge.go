// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzhttp"

	"github.com/fnndsc/cni-store-proxy/backend"
	"github.com/fnndsc/cni-store-proxy/lib/netutil"
	"github.com/fnndsc/cni-store-proxy/store"
)

// Store checks a caller's Store credential. *store.Client implements it.
type Store interface {
	OwnedPluginsHref(ctx context.Context, authorization string) (string, error)
	OwnedPlugins(ctx context.Context, href, authorization string) ([]store.PluginMeta, error)
}

// Backend reads instances and files from CUBE. *backend.Client
// implements it.
type Backend interface {
	SearchPlugin(ctx context.Context, name string) (*backend.Plugin, error)
	Instances(ctx context.Context, href string) ([]backend.Instance, error)
	Descendants(ctx context.Context, href string) ([]backend.Instance, error)
	Files(ctx context.Context, href string) ([]backend.File, error)
	Download(ctx context.Context, fileResource string) (*http.Response, error)
}

// Config holds configuration for creating a Bridge.
type Config struct {
	// Prefix is the path the bridge is mounted at, e.g. "/cni".
	Prefix string

	Store   Store
	Backend Backend

	// TrustProxy builds the URLs in responses from X-Forwarded-Host and
	// X-Forwarded-Proto instead of Host.
	TrustProxy bool

	Logger *slog.Logger
}

// Bridge is an http.Handler for the result routes.
type Bridge struct {
	store      Store
	backend    Backend
	trustProxy bool
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New creates a Bridge.
func New(config Config) (*Bridge, error) {
	prefix := strings.TrimRight(config.Prefix, "/")
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("bridge: prefix must start with /, got %q", config.Prefix)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("bridge: store client is required")
	}
	if config.Backend == nil {
		return nil, fmt.Errorf("bridge: backend client is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		store:      config.Store,
		backend:    config.Backend,
		trustProxy: config.TrustProxy,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	b.mux.Handle("GET "+prefix+"/{id}/{$}", gzhttp.GzipHandler(http.HandlerFunc(b.handleStatus)))
	b.mux.Handle("GET "+prefix+"/{id}/files/{$}", gzhttp.GzipHandler(http.HandlerFunc(b.handleFiles)))
	b.mux.HandleFunc("GET "+prefix+"/{id}/files/{fid}/{filename}", b.handleDownload)
	return b, nil
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

// evaluation is what one request learns on its way to the evaluator.
// It lives only for that request.
type evaluation struct {
	pluginID   string
	pluginName string
	submission backend.Instance
	evaluator  backend.Instance
}

// resolve authenticates the request against the Store, checks ownership of
// the {id} plugin and walks CUBE to its evaluator instance.
func (b *Bridge) resolve(r *http.Request) (*evaluation, error) {
	ctx := r.Context()
	pluginID := r.PathValue("id")

	authorization := r.Header.Get("Authorization")
	if authorization == "" {
		return nil, &AuthError{Message: "Missing Authorization header"}
	}

	href, err := b.store.OwnedPluginsHref(ctx, authorization)
	if err != nil {
		return nil, storeError(err)
	}
	owned, err := b.store.OwnedPlugins(ctx, href, authorization)
	if err != nil {
		return nil, storeError(err)
	}

	id, err := strconv.Atoi(pluginID)
	if err != nil {
		return nil, &OwnershipError{PluginID: pluginID}
	}
	result := &evaluation{pluginID: pluginID}
	for _, meta := range owned {
		if meta.ID == id {
			result.pluginName = meta.Name
			break
		}
	}
	if result.pluginName == "" {
		return nil, &OwnershipError{PluginID: pluginID}
	}

	plugin, err := b.backend.SearchPlugin(ctx, result.pluginName)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, &IntegrityError{Plugin: result.pluginName, Reason: "not registered in CUBE", Err: err}
	}
	if err != nil {
		return nil, err
	}

	instances, err := b.backend.Instances(ctx, plugin.Instances)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, &IntegrityError{Plugin: result.pluginName, Reason: "no instances found"}
	}
	result.submission = instances[0]

	descendants, err := b.backend.Descendants(ctx, result.submission.Descendants)
	if err != nil {
		return nil, err
	}
	for _, descendant := range descendants {
		if descendant.ChainedTo(result.submission.ID) {
			result.evaluator = descendant
			b.logger.Debug("resolved evaluator",
				"plugin_id", pluginID,
				"plugin_name", result.pluginName,
				"submission_id", result.submission.ID,
				"evaluator_id", descendant.ID,
			)
			return result, nil
		}
	}
	return nil, &IntegrityError{
		Plugin: result.pluginName,
		Reason: fmt.Sprintf("no evaluator under instance %d", result.submission.ID),
	}
}

// storeError turns any Store answer other than success into an
// AuthError carrying the Store's detail. Transport failures and timeouts
// stay upstream errors.
func storeError(err error) error {
	var statusError *netutil.StatusError
	if !errors.As(err, &statusError) {
		return err
	}
	message := statusError.Detail()
	if message == "" {
		message = "bad Authorization"
	}
	return &AuthError{Message: message, Err: err}
}

// fail writes the response for err and logs it.
func (b *Bridge) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	}
	if status >= 500 {
		b.logger.Error("bridge request failed", attrs...)
	} else {
		b.logger.Info("bridge request rejected", attrs...)
	}
	respondError(w, status, message)
}

// classify maps an error to a status and the message shown to the
// caller. Server-side failures are not described to the caller.
func classify(err error) (int, string) {
	var authError *AuthError
	var ownershipError *OwnershipError
	var integrityError *IntegrityError
	switch {
	case errors.As(err, &authError):
		return http.StatusUnauthorized, authError.Message
	case errors.As(err, &ownershipError):
		return http.StatusBadRequest, ownershipError.Error()
	case errors.Is(err, ErrFileNotFound):
		return http.StatusNotFound, ErrFileNotFound.Error()
	case errors.As(err, &integrityError):
		return http.StatusInternalServerError, "internal error"
	case netutil.IsTimeout(err):
		return http.StatusGatewayTimeout, "upstream timeout"
	case isUpstreamFailure(err):
		return http.StatusBadGateway, "upstream request failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func isUpstreamFailure(err error) bool {
	var statusError *netutil.StatusError
	if errors.As(err, &statusError) {
		return true
	}
	var urlError *url.Error
	return errors.As(err, &urlError)
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
