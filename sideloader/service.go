// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package sideloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fnndsc/cni-store-proxy/backend"
	"github.com/fnndsc/cni-store-proxy/lib/version"
)

// ServiceName is reported by GET /.
const ServiceName = "ChRIS backend plugin sideloader"

// DefaultComputeEnv is the CUBE compute environment plugins are
// registered to.
const DefaultComputeEnv = "host"

// Executor runs commands in a container. *DockerClient implements it.
type Executor interface {
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	Executor Executor

	// Container is the CUBE container, found with FindContainer at
	// startup.
	Container *Container

	// ComputeEnv defaults to DefaultComputeEnv.
	ComputeEnv string

	// Timeout bounds one registration. Zero means no limit beyond the
	// request's.
	Timeout time.Duration

	Logger *slog.Logger
}

// Service is the sideloader's HTTP API.
type Service struct {
	executor   Executor
	container  *Container
	computeEnv string
	timeout    time.Duration
	logger     *slog.Logger
	mux        *http.ServeMux
}

// NewService creates a Service.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Executor == nil {
		return nil, fmt.Errorf("sideloader: executor is required")
	}
	if config.Container == nil || config.Container.ID == "" {
		return nil, fmt.Errorf("sideloader: container is required")
	}
	computeEnv := config.ComputeEnv
	if computeEnv == "" {
		computeEnv = DefaultComputeEnv
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		executor:   config.Executor,
		container:  config.Container,
		computeEnv: computeEnv,
		timeout:    config.Timeout,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /{$}", s.handleInfo)
	s.mux.HandleFunc("POST /register", s.handleRegister)
	s.mux.HandleFunc("POST /register/", s.handleRegister)
	return s, nil
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// RegisterCommand is the command run in the CUBE container for name.
func (s *Service) RegisterCommand(name string) []string {
	return []string{
		"python", "plugins/services/manager.py", "register",
		s.computeEnv,
		"--pluginname", name,
	}
}

// Register runs the registration command for name.
func (s *Service) Register(ctx context.Context, name string) (*ExecResult, error) {
	if err := backend.ValidatePluginName(name); err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.executor.Exec(ctx, s.container.ID, s.RegisterCommand(name))
}

func (s *Service) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"name":    ServiceName,
		"version": version.Short(),
	})
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err == nil {
		err = json.Unmarshal(data, &body)
	}
	if err != nil || body.Name == "" {
		respondText(w, http.StatusBadRequest, `"name" is required`)
		return
	}
	if err := backend.ValidatePluginName(body.Name); err != nil {
		respondText(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	result, err := s.Register(r.Context(), body.Name)
	if err != nil {
		s.logger.Error("docker error",
			"plugin_name", body.Name,
			"container_id", s.container.ID,
			"error", err,
		)
		respondText(w, http.StatusServiceUnavailable, "")
		return
	}
	if result.ExitCode != 0 {
		s.logger.Error("plugin registration failed",
			"plugin_name", body.Name,
			"exit_code", result.ExitCode,
			"output", string(result.Output),
			"output_truncated", result.Truncated,
			"duration", time.Since(start),
		)
		respondText(w, http.StatusInternalServerError, string(result.Output))
		return
	}
	s.logger.Info("registered plugin",
		"plugin_name", body.Name,
		"compute_env", s.computeEnv,
		"output_truncated", result.Truncated,
		"duration", time.Since(start),
	)
	respondText(w, http.StatusCreated, string(result.Output))
}

func respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, text)
}
