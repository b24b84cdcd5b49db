// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/fnndsc/cni-store-proxy/lib/process"
	"github.com/fnndsc/cni-store-proxy/lib/version"
	"github.com/fnndsc/cni-store-proxy/sideloader"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		listenAddress string
		socketPath    string
		computeEnv    string
		label         string
		timeout       time.Duration
		logLevel      string
		showVersion   bool
	)

	defaultListen := ":8009"
	if port := os.Getenv("PORT"); port != "" {
		defaultListen = ":" + port
	}
	defaultComputeEnv := sideloader.DefaultComputeEnv
	if env := os.Getenv("CNI_COMPUTE_ENV"); env != "" {
		defaultComputeEnv = env
	}

	flagSet := pflag.NewFlagSet("cni-sideloader", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddress, "listen", defaultListen, "TCP address to serve on (default :$PORT or :8009)")
	flagSet.StringVar(&socketPath, "docker-socket", sideloader.DefaultSocketPath, "Docker daemon socket")
	flagSet.StringVar(&computeEnv, "compute-env", defaultComputeEnv, "CUBE compute environment (default $CNI_COMPUTE_ENV or host)")
	flagSet.StringVar(&label, "label", sideloader.CubeRoleLabel, "label identifying the CUBE container")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Minute, "bound on one registration")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("cni-sideloader %s\n", version.Full())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(logLevel))); err != nil {
		return fmt.Errorf("invalid --log-level %q", logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("starting cni-sideloader", "version", version.Info())

	docker, err := sideloader.NewDockerClient(socketPath)
	if err != nil {
		return err
	}
	defer docker.Close()
	findCtx, cancelFind := context.WithTimeout(context.Background(), 10*time.Second)
	container, err := docker.FindContainer(findCtx, label)
	cancelFind()
	if err != nil {
		return fmt.Errorf("finding CUBE container: %w", err)
	}
	logger.Info("found CUBE container",
		"container_id", container.ID,
		"names", container.Names,
	)

	service, err := sideloader.NewService(sideloader.ServiceConfig{
		Executor:   docker,
		Container:  container,
		ComputeEnv: computeEnv,
		Timeout:    timeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", listenAddress, err)
	}
	httpServer := &http.Server{
		Handler:           service,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("tcp server error", "error", err)
		}
	}()
	logger.Info("listening", "address", listener.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
