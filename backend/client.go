// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fnndsc/cni-store-proxy/lib/envelope"
	"github.com/fnndsc/cni-store-proxy/lib/netutil"
	"github.com/fnndsc/cni-store-proxy/lib/secret"
)

// DefaultTimeout bounds each request when ClientConfig.HTTPClient is nil.
const DefaultTimeout = 5 * time.Second

// maxPages stops a pagination walk whose next links never run out.
const maxPages = 1000

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the CUBE root, e.g. "http://localhost:8000".
	BaseURL string
	// Username and Password are the privileged credential. The buffer
	// is borrowed; the caller keeps it open for the client's lifetime.
	Username string
	Password *secret.Buffer
	// HTTPClient is used for all requests. If nil, a client with
	// DefaultTimeout is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is a CUBE client holding the privileged credential.
type Client struct {
	baseURL    *url.URL
	username   string
	password   *secret.Buffer
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a CUBE client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("backend: BaseURL is required")
	}
	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("backend: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("backend: BaseURL %q must be absolute", config.BaseURL)
	}
	if config.Username == "" || config.Password == nil {
		return nil, fmt.Errorf("backend: Username and Password are required")
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
		baseURL:    baseURL,
		username:   config.Username,
		password:   config.Password,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Username returns the privileged account name.
func (c *Client) Username() string {
	return c.username
}

// resolve turns a path relative to the base URL, or an absolute URL
// taken from a CUBE response, into a request URL.
func (c *Client) resolve(pathOrURL string, query url.Values) (string, error) {
	target, err := url.Parse(pathOrURL)
	if err != nil {
		return "", fmt.Errorf("backend: invalid URL %q: %w", pathOrURL, err)
	}
	if !target.IsAbs() {
		target = c.baseURL.ResolveReference(&url.URL{
			Path:     strings.TrimPrefix(target.Path, "/"),
			RawQuery: target.RawQuery,
		})
	}
	if len(query) > 0 {
		merged := target.Query()
		for key, values := range query {
			merged[key] = values
		}
		target.RawQuery = merged.Encode()
	}
	return target.String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, pathOrURL string, query url.Values, body io.Reader) (*http.Request, error) {
	target, err := c.resolve(pathOrURL, query)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("backend: failed to create request: %w", err)
	}
	request.SetBasicAuth(c.username, c.password.String())
	return request, nil
}

// do sends request and returns the response body of a 2xx response.
func (c *Client) do(request *http.Request) ([]byte, error) {
	start := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s failed: %w", request.Method, request.URL.Redacted(), err)
	}
	defer response.Body.Close()

	c.logger.Debug("cube request",
		"method", request.Method,
		"url", request.URL.Redacted(),
		"status", response.StatusCode,
		"duration", time.Since(start),
	)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, netutil.NewStatusError("cube", response)
	}
	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: reading response from %s: %w", request.URL.Redacted(), err)
	}
	return body, nil
}

// Get fetches pathOrURL as plain JSON and decodes it into v.
func (c *Client) Get(ctx context.Context, pathOrURL string, query url.Values, v any) error {
	request, err := c.newRequest(ctx, http.MethodGet, pathOrURL, query, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")

	body, err := c.do(request)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("backend: decoding %s: %w", request.URL.Redacted(), err)
	}
	return nil
}

// list walks a paginated collection starting at href.
func list[T any](ctx context.Context, c *Client, href string, query url.Values) ([]T, error) {
	var results []T
	next := href
	for pages := 0; next != ""; pages++ {
		if pages == maxPages {
			return nil, fmt.Errorf("backend: %s: more than %d pages", href, maxPages)
		}
		var current page[T]
		if err := c.Get(ctx, next, query, &current); err != nil {
			return nil, err
		}
		results = append(results, current.Results...)
		next = ""
		if current.Next != nil {
			next = *current.Next
		}
		// The next link already carries the query.
		query = nil
	}
	return results, nil
}

// SearchPlugin returns the plugin named exactly name.
func (c *Client) SearchPlugin(ctx context.Context, name string) (*Plugin, error) {
	plugins, err := list[Plugin](ctx, c, "/api/v1/plugins/search/", url.Values{"name": {name}})
	if err != nil {
		return nil, fmt.Errorf("backend: searching plugin %q: %w", name, err)
	}
	// The search matches substrings.
	for index := range plugins {
		if plugins[index].Name == name {
			return &plugins[index], nil
		}
	}
	return nil, fmt.Errorf("backend: plugin %q: %w", name, ErrNotFound)
}

// Instances lists the plugin instances at href, in the order CUBE
// returns them.
func (c *Client) Instances(ctx context.Context, href string) ([]Instance, error) {
	return list[Instance](ctx, c, href, nil)
}

// Descendants lists the instances at a descendants href. CUBE includes
// the instance itself in the list.
func (c *Client) Descendants(ctx context.Context, href string) ([]Instance, error) {
	return list[Instance](ctx, c, href, nil)
}

// Files lists the output files at a files href.
func (c *Client) Files(ctx context.Context, href string) ([]File, error) {
	return list[File](ctx, c, href, nil)
}

// SearchAncestorInstance returns the first instance of pluginName owned
// by creator.
func (c *Client) SearchAncestorInstance(ctx context.Context, pluginName, creator string) (*Instance, error) {
	plugin, err := c.SearchPlugin(ctx, pluginName)
	if err != nil {
		return nil, err
	}
	instances, err := c.Instances(ctx, plugin.Instances)
	if err != nil {
		return nil, fmt.Errorf("backend: listing instances of %q: %w", pluginName, err)
	}
	for index := range instances {
		if instances[index].OwnerUsername == creator {
			return &instances[index], nil
		}
	}
	return nil, fmt.Errorf("backend: instance of %q created by %q: %w", pluginName, creator, ErrNotFound)
}

// CreateInstance runs pluginName with args. When previousID is positive
// a previous_id record is appended, chaining the new instance under it.
// args is not modified.
func (c *Client) CreateInstance(ctx context.Context, pluginName string, args []envelope.Item, previousID int) (*Instance, error) {
	plugin, err := c.SearchPlugin(ctx, pluginName)
	if err != nil {
		return nil, err
	}

	records := args
	if previousID > 0 {
		records = envelope.Append(args, "previous_id", previousID)
	}
	body, err := envelope.EncodeTemplate(records)
	if err != nil {
		return nil, err
	}

	request, err := c.newRequest(ctx, http.MethodPost, plugin.Instances, nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", envelope.MediaType)
	request.Header.Set("Accept", "application/json")

	responseBody, err := c.do(request)
	if err != nil {
		return nil, fmt.Errorf("backend: creating instance of %q: %w", pluginName, err)
	}
	instance, err := decodeInstance(responseBody)
	if err != nil {
		return nil, fmt.Errorf("backend: creating instance of %q: %w", pluginName, err)
	}

	c.logger.Info("created plugin instance",
		"plugin_name", pluginName,
		"instance_id", instance.ID,
		"previous_id", previousID,
	)
	return instance, nil
}

// decodeInstance accepts a plain JSON instance or a Collection+JSON
// envelope whose first item carries the instance's data records.
func decodeInstance(body []byte) (*Instance, error) {
	var instance Instance
	if envelope.IsEnvelope(body) {
		collection, err := envelope.Decode(body)
		if err != nil {
			return nil, err
		}
		records, err := collection.Records(envelope.DataList)
		if err != nil {
			return nil, err
		}
		fields, err := envelope.ToMap(records)
		if err != nil {
			return nil, err
		}
		flattened, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		body = flattened
	}
	if err := json.Unmarshal(body, &instance); err != nil {
		return nil, fmt.Errorf("decoding instance: %w", err)
	}
	if instance.ID <= 0 {
		return nil, fmt.Errorf("response has no instance id")
	}
	return &instance, nil
}

// Download starts a GET of a file_resource URL. The caller must close
// the returned response's body. A non-2xx status is returned as a
// *netutil.StatusError with the body already consumed.
func (c *Client) Download(ctx context.Context, fileResource string) (*http.Response, error) {
	request, err := c.newRequest(ctx, http.MethodGet, fileResource, nil, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "*/*")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("backend: downloading %s: %w", request.URL.Redacted(), err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		return nil, netutil.NewStatusError("cube", response)
	}
	return response, nil
}

