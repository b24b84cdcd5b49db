// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package store talks to the ChRIS Store on behalf of a caller.
//
// Unlike package backend, this client holds no credential of its own:
// every method takes the caller's Authorization header value and
// forwards it unchanged. Nothing a caller sends is retained after the
// call returns.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fnndsc/cni-store-proxy/lib/netutil"
)

// DefaultTimeout bounds each request when ClientConfig.HTTPClient is nil.
const DefaultTimeout = 5 * time.Second

const maxPages = 1000

// PluginMeta is a plugin the caller owns in the Store.
type PluginMeta struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the Store root, e.g. "http://localhost:8010".
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a ChRIS Store client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Store client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("store: BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("store: BaseURL %q must be absolute", config.BaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) get(ctx context.Context, target, authorization string, v any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("store: failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", authorization)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("store: GET %s failed: %w", request.URL.Redacted(), err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return netutil.NewStatusError("store", response)
	}
	if err := netutil.DecodeResponse(response.Body, v); err != nil {
		return fmt.Errorf("store: decoding %s: %w", request.URL.Redacted(), err)
	}
	return nil
}

// OwnedPluginsHref checks authorization against the Store's API root and
// returns the caller's owned_plugin_metas link. A rejected credential
// comes back as a *netutil.StatusError carrying the Store's status.
func (c *Client) OwnedPluginsHref(ctx context.Context, authorization string) (string, error) {
	var root struct {
		CollectionLinks struct {
			OwnedPluginMetas string `json:"owned_plugin_metas"`
		} `json:"collection_links"`
	}
	if err := c.get(ctx, c.baseURL+"/api/v1/", authorization, &root); err != nil {
		return "", err
	}
	// Anonymous callers get the API root without the link.
	if root.CollectionLinks.OwnedPluginMetas == "" {
		return "", &netutil.StatusError{
			Service:    "store",
			Method:     http.MethodGet,
			URL:        c.baseURL + "/api/v1/",
			StatusCode: http.StatusUnauthorized,
			Body:       `{"detail":"Authentication credentials were not provided."}`,
		}
	}
	return root.CollectionLinks.OwnedPluginMetas, nil
}

// OwnedPlugins lists every plugin at href (from OwnedPluginsHref),
// following pagination.
func (c *Client) OwnedPlugins(ctx context.Context, href, authorization string) ([]PluginMeta, error) {
	var plugins []PluginMeta
	next := href
	for pages := 0; next != ""; pages++ {
		if pages == maxPages {
			return nil, fmt.Errorf("store: %s: more than %d pages", href, maxPages)
		}
		var page struct {
			Next    *string         `json:"next"`
			Results json.RawMessage `json:"results"`
		}
		if err := c.get(ctx, next, authorization, &page); err != nil {
			return nil, err
		}
		var results []PluginMeta
		if len(page.Results) > 0 {
			if err := json.Unmarshal(page.Results, &results); err != nil {
				return nil, fmt.Errorf("store: decoding owned plugins: %w", err)
			}
		}
		plugins = append(plugins, results...)
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	c.logger.Debug("listed owned plugins", "count", len(plugins))
	return plugins, nil
}
