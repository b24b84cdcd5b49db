// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/fnndsc/cni-store-proxy/lib/version"
)

// Server serves the Store proxy, the result bridge and /health on TCP.
type Server struct {
	listenAddress string
	proxy         *ReverseProxy
	httpServer    *http.Server
	listener      net.Listener
	logger        *slog.Logger
}

// ServerConfig holds configuration for creating a new Server.
type ServerConfig struct {
	// ListenAddress is the TCP address, e.g. ":8011".
	ListenAddress string

	// Proxy handles /api/.
	Proxy *ReverseProxy

	// Bridge handles BridgePrefix + "/". Optional.
	Bridge       http.Handler
	BridgePrefix string

	// AncestorID is reported by /health.
	AncestorID int

	// CORSOrigin enables CORS for one origin, or "*". Empty disables it.
	CORSOrigin string

	Logger *slog.Logger
}

// NewServer creates a server. It does not listen until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ListenAddress == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if config.Proxy == nil {
		return nil, fmt.Errorf("reverse proxy is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", config.Proxy)
	if config.Bridge != nil {
		prefix := strings.TrimRight(config.BridgePrefix, "/")
		if prefix == "" || prefix == "/api" {
			return nil, fmt.Errorf("invalid bridge prefix %q", config.BridgePrefix)
		}
		mux.Handle(prefix+"/", config.Bridge)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":               "ok",
			"version":              version.Short(),
			"ancestor_instance_id": config.AncestorID,
		})
	})

	var handler http.Handler = mux
	if config.CORSOrigin != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: []string{config.CORSOrigin},
			AllowedMethods: []string{
				http.MethodGet, http.MethodHead, http.MethodPost,
				http.MethodPut, http.MethodPatch, http.MethodDelete,
			},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept"},
			AllowCredentials: true,
		}).Handler(mux)
	}

	return &Server{
		listenAddress: config.ListenAddress,
		proxy:         config.Proxy,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 30 * time.Second,
			// Uploads and downloads are streamed; no whole-request bounds.
		},
		logger: logger,
	}, nil
}

// Handler returns the routed handler, for tests that drive it directly.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", s.listenAddress, err)
	}
	s.listener = listener
	s.logger.Info("proxy server started", "address", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("tcp server error", "error", err)
		}
	}()

	// No-op if not running under systemd.
	notifySystemd("READY=1")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// notifySystemd sends a notification to systemd's sd_notify socket.
// Does nothing if NOTIFY_SOCKET is not set.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}

// Shutdown stops accepting requests, waits for in-flight requests and
// then for in-flight observers, all bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down proxy server")
	notifySystemd("STOPPING=1")
	err := s.httpServer.Shutdown(ctx)
	if waitErr := s.proxy.Wait(ctx); waitErr != nil {
		s.logger.Warn("observers still running at shutdown", "error", waitErr)
		if err == nil {
			err = waitErr
		}
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
