// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for sandboxd, the Session Orchestrator's
// standalone process: it loads configuration, wires the configured Backend
// Driver into a Session Manager and Façade, and serves the sandbox REST
// surface until asked to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	gomicrovm "github.com/stacklok/go-microvm"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/api/sandbox"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/artifact"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/audit"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver/container"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver/microvm"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/orchestrator"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/sandboxconfig"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/session"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/telemetry"
)

const defaultGracefulTimeout = 30 * time.Second

func main() {
	var (
		configFile = flag.String("config", "", "path to a sandboxd YAML config file")
		address    = flag.String("address", ":8090", "address to listen on")
	)
	flag.Parse()

	if err := run(*configFile, *address); err != nil {
		logger.Errorf("sandboxd exiting: %v", err)
		os.Exit(1)
	}
}

func run(configFile, address string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := sandboxconfig.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load sandbox config: %w", err)
	}

	factory, err := buildDriverFactory(cfg)
	if err != nil {
		return fmt.Errorf("failed to build backend driver factory: %w", err)
	}

	objectStore, err := buildObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("failed to build artifact object store: %w", err)
	}

	var auditSink audit.Sink
	if cfg.EnableAuditLogging {
		auditSink = audit.NewLocalSink(audit.ComponentSandboxOrchestrator)
	}

	sessions := session.NewManager(factory, cfg.IdleTimeout(), cfg.ReaperInterval())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("session manager shutdown failed: %v", err)
		}
	}()

	orch := orchestrator.New(sessions, artifact.NewProcessor(objectStore), auditSink)

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetryConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to build telemetry provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("telemetry provider shutdown failed: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", sandbox.Router(orch, telemetryProvider.Middleware("sandbox-api", string(cfg.RuntimeKind))))
	if h := telemetryProvider.PrometheusHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("sandboxd listening on %s (runtime=%s)", address, cfg.RuntimeKind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down sandboxd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return <-serveErr
}

// buildDriverFactory constructs the concrete driver.Factory the config
// selects — a Docker-backed container driver or a remote microVM driver.
func buildDriverFactory(cfg *sandboxconfig.Config) (driver.Factory, error) {
	switch cfg.RuntimeKind {
	case sandboxconfig.RuntimeKindContainer:
		cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		return container.NewFactory(cli, container.Config{
			Image:            cfg.ContainerImage,
			CPULimit:         1.0,
			MemLimitBytes:    512 * 1024 * 1024,
			AllowedPackages:  cfg.AllowedPackageSet(),
			ExecutionTimeout: cfg.ExecutionTimeout(),
		}), nil
	case sandboxconfig.RuntimeKindMicroVM:
		apiKey := os.Getenv(sandboxconfig.EnvPrefix + "_MICROVM_API_KEY")
		template := os.Getenv(sandboxconfig.EnvPrefix + "_MICROVM_TEMPLATE")
		client := gomicrovm.NewClient(apiKey)
		return microvm.NewFactory(client, microvm.Config{
			APIKey:           apiKey,
			Template:         template,
			ExecutionTimeout: cfg.ExecutionTimeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown runtime kind %q", cfg.RuntimeKind)
	}
}

// buildObjectStore constructs the S3-compatible Artifact Store when
// configured. A nil *ObjectStoreConfig (or an unconfigured one) disables
// artifact uploads entirely, matching artifact.Processor's documented
// nil-store behavior. AccessKey/SecretKey, when set, are exported into the
// process environment since S3Store builds its client from the standard
// AWS credential chain rather than accepting static credentials directly.
func buildObjectStore(ctx context.Context, cfg *sandboxconfig.ObjectStoreConfig) (artifact.ObjectStore, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	if cfg.AccessKey != "" {
		if err := os.Setenv("AWS_ACCESS_KEY_ID", cfg.AccessKey); err != nil {
			return nil, fmt.Errorf("failed to set AWS_ACCESS_KEY_ID: %w", err)
		}
		if err := os.Setenv("AWS_SECRET_ACCESS_KEY", cfg.SecretKey); err != nil {
			return nil, fmt.Errorf("failed to set AWS_SECRET_ACCESS_KEY: %w", err)
		}
	}

	return artifact.NewS3Store(ctx, artifact.S3StoreConfig{
		Bucket:   cfg.Bucket,
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
	})
}

// telemetryConfigFromEnv builds the orchestrator's telemetry Config from a
// handful of environment variables, keeping cmd/sandboxd free of a second
// flag surface duplicating sandboxconfig's.
func telemetryConfigFromEnv() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.TracingEnabled = os.Getenv("SANDBOXD_TRACING_ENABLED") == "true"
	cfg.MetricsEnabled = os.Getenv("SANDBOXD_METRICS_ENABLED") == "true"
	cfg.EnablePrometheusMetricsPath = os.Getenv("SANDBOXD_PROMETHEUS_ENABLED") == "true"
	if cfg.ServiceVersion == telemetry.DefaultServiceVersion {
		cfg.ServiceVersion = fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	}
	return cfg
}
