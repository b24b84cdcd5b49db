// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fnndsc/cni-store-proxy/lib/netutil"
	"github.com/fnndsc/cni-store-proxy/lib/secret"
)

// Registrar makes a plugin that exists in the Store known to CUBE.
// Register may be slow; it returns once the plugin is registered.
// Registering an already-registered plugin is assumed to succeed.
type Registrar interface {
	Register(ctx context.Context, pluginName string) error
}

// CommandRegistrarConfig holds configuration for a CommandRegistrar.
type CommandRegistrarConfig struct {
	// Command is the executable. The plugin name is its only argument.
	Command string
	// Dir is the working directory; empty means the proxy's own.
	Dir string
	// Env adds fixed variables to the sanitized environment.
	Env map[string]string
	// Credentials adds secret variables. Buffers are borrowed.
	Credentials map[string]*secret.Buffer
	// Timeout bounds one run. Zero means no bound beyond ctx.
	Timeout time.Duration
	// Logger receives the command's output. If nil, slog.Default().
	Logger *slog.Logger
}

// CommandRegistrar registers plugins by running a local executable,
// typically plugin2cube.sh.
type CommandRegistrar struct {
	config CommandRegistrarConfig
	logger *slog.Logger
}

// NewCommandRegistrar creates a CommandRegistrar.
func NewCommandRegistrar(config CommandRegistrarConfig) (*CommandRegistrar, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("backend: registration command is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRegistrar{config: config, logger: logger}, nil
}

// Register runs the command for pluginName.
func (r *CommandRegistrar) Register(ctx context.Context, pluginName string) error {
	if err := ValidatePluginName(pluginName); err != nil {
		return &RegistrationError{Plugin: pluginName, Err: err}
	}
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.config.Command, pluginName)
	cmd.Dir = r.config.Dir

	// The proxy's own environment holds the CUBE password; only the
	// variables listed here reach the script.
	env := sanitizedEnvironment()
	for name, value := range r.config.Env {
		env = append(env, name+"="+value)
	}
	for name, value := range r.config.Credentials {
		if value == nil {
			return &RegistrationError{Plugin: pluginName, Err: fmt.Errorf("missing credential for %s", name)}
		}
		env = append(env, name+"="+value.String())
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	logger := r.logger.With("plugin_name", pluginName, "command", r.config.Command)
	if stdout.Len() > 0 {
		logger.Info("registration output", "stdout", strings.TrimSpace(stdout.String()))
	}
	if stderr.Len() > 0 {
		logger.Warn("registration output", "stderr", strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		return &RegistrationError{Plugin: pluginName, Output: stderr.String(), Err: err}
	}
	logger.Info("registered plugin in cube", "duration", time.Since(start))
	return nil
}

// ValidatePluginName rejects names a registration command would read as
// a flag, and names containing control characters.
func ValidatePluginName(name string) error {
	if name == "" {
		return fmt.Errorf("empty plugin name")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("plugin name %q starts with '-'", name)
	}
	if strings.ContainsAny(name, "\x00\n\r") {
		return fmt.Errorf("plugin name contains control characters")
	}
	return nil
}

// sanitizedEnvironment returns a minimal set of safe environment variables.
func sanitizedEnvironment() []string {
	safeVars := []string{
		"PATH",
		"HOME",
		"USER",
		"LANG",
		"LC_ALL",
		"TZ",
		"TMPDIR",
		"DOCKER_HOST",
	}

	var env []string
	for _, name := range safeVars {
		if value := os.Getenv(name); value != "" {
			env = append(env, name+"="+value)
		}
	}
	return env
}

// SideloaderRegistrarConfig holds configuration for a SideloaderRegistrar.
type SideloaderRegistrarConfig struct {
	// URL is the sideloader base URL, e.g. "http://sideloader:8009".
	URL string
	// HTTPClient is used for requests. If nil, a client with Timeout.
	HTTPClient *http.Client
	// Timeout bounds one registration when HTTPClient is nil.
	Timeout time.Duration
	Logger  *slog.Logger
}

// SideloaderRegistrar registers plugins through the cni-sideloader
// service, which runs CUBE's plugin manager inside the CUBE container.
type SideloaderRegistrar struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSideloaderRegistrar creates a SideloaderRegistrar.
func NewSideloaderRegistrar(config SideloaderRegistrarConfig) (*SideloaderRegistrar, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("backend: sideloader URL is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SideloaderRegistrar{
		endpoint:   strings.TrimRight(config.URL, "/") + "/register",
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Register asks the sideloader to register pluginName and expects 201.
func (r *SideloaderRegistrar) Register(ctx context.Context, pluginName string) error {
	if err := ValidatePluginName(pluginName); err != nil {
		return &RegistrationError{Plugin: pluginName, Err: err}
	}
	body, err := json.Marshal(map[string]string{"name": pluginName})
	if err != nil {
		return &RegistrationError{Plugin: pluginName, Err: err}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return &RegistrationError{Plugin: pluginName, Err: err}
	}
	request.Header.Set("Content-Type", "application/json")

	start := time.Now()
	response, err := r.httpClient.Do(request)
	if err != nil {
		return &RegistrationError{Plugin: pluginName, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusCreated {
		statusError := netutil.NewStatusError("sideloader", response)
		return &RegistrationError{Plugin: pluginName, Output: statusError.Body, Err: statusError}
	}
	r.logger.Info("registered plugin in cube",
		"plugin_name", pluginName,
		"via", "sideloader",
		"duration", time.Since(start),
	)
	return nil
}

var (
	_ Registrar = (*CommandRegistrar)(nil)
	_ Registrar = (*SideloaderRegistrar)(nil)
)
