// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fnndsc/cni-store-proxy/lib/envelope"
	"github.com/fnndsc/cni-store-proxy/proxy"
)

// UploadPath is the Store's plugin creation endpoint.
const UploadPath = "/api/v1/plugins/"

// UploadHandler receives the name of each uploaded plugin. *Pipeline
// implements it.
type UploadHandler interface {
	HandleUpload(ctx context.Context, pluginName string)
}

// UploadInterceptor observes Store responses for plugin uploads.
type UploadInterceptor struct {
	handler UploadHandler
	logger  *slog.Logger
}

// NewUploadInterceptor creates an interceptor that passes uploaded
// plugin names to handler.
func NewUploadInterceptor(handler UploadHandler, logger *slog.Logger) *UploadInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadInterceptor{handler: handler, logger: logger}
}

// Wants matches POST /api/v1/plugins/ answered with 201 Created. A
// failed upload is not observed and only shows up at debug level.
func (i *UploadInterceptor) Wants(request proxy.RequestInfo, statusCode int, reason string) bool {
	if request.Method != http.MethodPost || request.Path != UploadPath {
		return false
	}
	if statusCode != http.StatusCreated || reason != "Created" {
		i.logger.Debug("store upload failed",
			"status", statusCode,
			"reason", reason,
		)
		return false
	}
	return true
}

// Observe extracts the plugin name and runs the handler. It is already
// off the response path, so the handler is called synchronously.
func (i *UploadInterceptor) Observe(ctx context.Context, response proxy.ObservedResponse) error {
	name, err := PluginName(response.Body)
	if err != nil {
		return fmt.Errorf("upload response: %w", err)
	}
	i.handler.HandleUpload(ctx, name)
	return nil
}

// PluginName reads the "name" record from an upload response body.
func PluginName(body []byte) (string, error) {
	collection, err := envelope.Decode(body)
	if err != nil {
		return "", err
	}
	name, err := envelope.Lookup[string](collection, envelope.DataList, "name")
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", &envelope.DecodeError{Key: "name", Reason: "empty value"}
	}
	return name, nil
}

var _ proxy.Observer = (*UploadInterceptor)(nil)
