// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/fnndsc/cni-store-proxy/backend"
	"github.com/fnndsc/cni-store-proxy/bridge"
	"github.com/fnndsc/cni-store-proxy/intercept"
	"github.com/fnndsc/cni-store-proxy/lib/config"
	"github.com/fnndsc/cni-store-proxy/lib/credential"
	"github.com/fnndsc/cni-store-proxy/lib/process"
	"github.com/fnndsc/cni-store-proxy/lib/secret"
	"github.com/fnndsc/cni-store-proxy/lib/version"
	"github.com/fnndsc/cni-store-proxy/proxy"
	"github.com/fnndsc/cni-store-proxy/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath       string
		credentialFile   string
		credentialPrefix string
		credentialsStdin bool
		logLevel         string
		logFormat        string
		showVersion      bool
	)

	flagSet := pflag.NewFlagSet("cni-store-proxy", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("CNI_CONFIG"), "path to YAML config file (default $CNI_CONFIG)")
	flagSet.StringVar(&credentialFile, "credential-file", "", "path to credentials file (KEY=value lines)")
	flagSet.StringVar(&credentialPrefix, "credential-prefix", "", "prefix for environment variable credentials")
	flagSet.BoolVar(&credentialsStdin, "credentials-stdin", false, "read a CBOR credential payload from stdin")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.StringVar(&logFormat, "log-format", "json", "log format (json, text)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("cni-store-proxy %s\n", version.Full())
		return nil
	}

	logger, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("starting cni-store-proxy",
		"version", version.Info(),
		"environment", cfg.Environment,
	)
	logger.Info("loaded configuration",
		"store_url", cfg.Store.URL,
		"cube_url", cfg.Backend.URL,
		"cube_username", cfg.Backend.Username,
		"registration", cfg.Registration.Type,
	)

	// Credential sources in priority order. Environment variables come
	// last: they are visible in /proc/*/environ.
	sources := []credential.Source{&credential.SystemdSource{}}
	if credentialsStdin {
		payload, err := credential.ReadPipePayload(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading credentials from stdin: %w", err)
		}
		sources = append(sources, payload)
	}
	if credentialFile != "" {
		sources = append(sources, &credential.FileSource{Path: credentialFile})
		logger.Info("using credential file", "path", credentialFile)
	}
	sources = append(sources, &credential.EnvSource{Prefix: credentialPrefix})
	credentials := &credential.ChainSource{Sources: sources}
	defer credentials.Close()

	password := credentials.Get(cfg.Backend.PasswordCredential)
	if password == nil {
		return fmt.Errorf("credential %q not found (set %sCUBE_PASSWORD, use --credential-file or systemd credentials)",
			cfg.Backend.PasswordCredential, credentialPrefix)
	}

	cubeClient, err := backend.NewClient(backend.ClientConfig{
		BaseURL:    cfg.Backend.URL,
		Username:   cfg.Backend.Username,
		Password:   password,
		HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	storeClient, err := store.NewClient(store.ClientConfig{
		BaseURL:    cfg.Store.URL,
		HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// The listener does not open until the ancestor is known.
	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), 4*cfg.Backend.Timeout)
	ancestor, err := cubeClient.SearchAncestorInstance(discoverCtx, cfg.Plugins.Ancestor.Name, cfg.AncestorCreator())
	cancelDiscover()
	if errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("no instance of %q owned by %q in CUBE; run the data-generating plugin first",
			cfg.Plugins.Ancestor.Name, cfg.AncestorCreator())
	}
	if err != nil {
		return fmt.Errorf("discovering ancestor instance: %w", err)
	}
	logger.Info("found ancestor instance",
		"plugin_name", ancestor.PluginName,
		"instance_id", ancestor.ID,
	)

	registrar, err := newRegistrar(cfg, password, logger)
	if err != nil {
		return err
	}
	pipeline, err := intercept.NewPipeline(intercept.PipelineConfig{
		Registrar:      registrar,
		Creator:        cubeClient,
		AncestorID:     ancestor.ID,
		EvaluatorName:  cfg.Plugins.Evaluator.Name,
		SubmissionArgs: cfg.RunArgs.Submission,
		EvaluatorArgs:  cfg.RunArgs.Evaluator,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	reverseProxy, err := proxy.NewReverseProxy(proxy.ReverseProxyConfig{
		Upstream:              cfg.Store.URL,
		Observers:             []proxy.Observer{intercept.NewUploadInterceptor(pipeline, logger)},
		ResponseHeaderTimeout: cfg.Backend.Timeout,
		Logger:                logger,
	})
	if err != nil {
		return err
	}
	resultBridge, err := bridge.New(bridge.Config{
		Prefix:     cfg.BridgePrefix,
		Store:      storeClient,
		Backend:    cubeClient,
		TrustProxy: cfg.TrustProxy,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	server, err := proxy.NewServer(proxy.ServerConfig{
		ListenAddress: cfg.ListenAddress,
		Proxy:         reverseProxy,
		Bridge:        resultBridge,
		BridgePrefix:  cfg.BridgePrefix,
		AncestorID:    ancestor.ID,
		CORSOrigin:    cfg.CORSOrigin,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// Running pipelines get the same grace period as open requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// newRegistrar builds the configured registrar. The command registrar gets
// the CUBE account through its environment.
func newRegistrar(cfg *config.Config, password *secret.Buffer, logger *slog.Logger) (backend.Registrar, error) {
	switch cfg.Registration.Type {
	case config.RegisterSideloader:
		registrar, err := backend.NewSideloaderRegistrar(backend.SideloaderRegistrarConfig{
			URL:     cfg.Registration.SideloaderURL,
			Timeout: cfg.Registration.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return registrar, nil
	case config.RegisterCommand:
		registrar, err := backend.NewCommandRegistrar(backend.CommandRegistrarConfig{
			Command: cfg.Registration.Command,
			Env: map[string]string{
				"CUBE_URL":        cfg.Backend.URL + "/api/v1/",
				"CUBE_USERNAME":   cfg.Backend.Username,
				"CHRIS_STORE_URL": cfg.Store.URL + "/api/v1/",
			},
			Credentials: map[string]*secret.Buffer{"CUBE_PASSWORD": password},
			Timeout:     cfg.Registration.Timeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return registrar, nil
	default:
		return nil, fmt.Errorf("unknown registration type %q", cfg.Registration.Type)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	options := &slog.HandlerOptions{Level: slogLevel}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}
