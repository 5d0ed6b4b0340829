// Command msbhost is the microVM sandbox orchestration host: it loads
// configuration, wires the catalog/layer-store/session/resource/sandbox
// collaborators, and serves the JSON-RPC tool surface over HTTP, following
// the teacher's explicit constructor-composition style (no DI codegen)
// and its errgroup-coordinated listen/shutdown pattern.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/kernel-hypeman-labs/msbhost/internal/catalog"
	"github.com/kernel-hypeman-labs/msbhost/internal/cleanup"
	"github.com/kernel-hypeman-labs/msbhost/internal/config"
	"github.com/kernel-hypeman-labs/msbhost/internal/imagepull"
	"github.com/kernel-hypeman-labs/msbhost/internal/layerstore"
	"github.com/kernel-hypeman-labs/msbhost/internal/localdaemon"
	"github.com/kernel-hypeman-labs/msbhost/internal/logging"
	"github.com/kernel-hypeman-labs/msbhost/internal/registry"
	"github.com/kernel-hypeman-labs/msbhost/internal/resources"
	"github.com/kernel-hypeman-labs/msbhost/internal/rpcserver"
	"github.com/kernel-hypeman-labs/msbhost/internal/sandbox"
	"github.com/kernel-hypeman-labs/msbhost/internal/sandbox/chruntime"
	"github.com/kernel-hypeman-labs/msbhost/internal/session"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		logging.New().Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.AddToContext(ctx, log)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	blobDir := filepath.Join(cfg.DataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	cat, err := catalog.Open(ctx, filepath.Join(cfg.DataDir, "oci.sqlite"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	layers, err := layerstore.New(filepath.Join(cfg.DataDir, "layers"))
	if err != nil {
		return fmt.Errorf("open layer store: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	tracer := tracerProvider.Tracer("msbhost")

	puller, err := registry.New(blobDir, layers, cat, log, 4, tracer)
	if err != nil {
		return fmt.Errorf("build registry puller: %w", err)
	}

	var localSource imagepull.Source
	if docker, dockerErr := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()); dockerErr == nil {
		exporter, localErr := localdaemon.New(docker, blobDir, layers, cat, log)
		if localErr != nil {
			log.Warn("local daemon fallback unavailable", "error", localErr)
		} else {
			localSource = exporter
		}
	} else {
		log.Info("no local docker daemon detected, remote registry pulls only", "error", dockerErr)
	}
	acquirer := imagepull.New(cat, layers, puller, localSource)

	meterProvider := sdkmetric.NewMeterProvider()
	meter := meterProvider.Meter("msbhost")

	resourceManager, err := resources.New(cfg.PortRangeLo, cfg.PortRangeHi, cfg.TotalMemoryMiB, cfg.TotalVCPUs, cfg.MaxSessions, meter, tracer)
	if err != nil {
		return fmt.Errorf("build resource manager: %w", err)
	}

	sessionManager := session.New(cfg.MaxSessions, time.Duration(cfg.SessionTimeoutSeconds)*time.Second)

	runtime := chruntime.New(
		getEnvDefault("MSB_CLOUD_HYPERVISOR_BIN", "/usr/bin/cloud-hypervisor"),
		getEnvDefault("MSB_KERNEL_PATH", filepath.Join(cfg.DataDir, "vmlinux")),
		filepath.Join(cfg.DataDir, "sandboxes"),
		meter,
	)
	composer := sandbox.New(cfg, runtime).WithAcquirer(acquirer)

	handles := rpcserver.NewHandleRegistry()
	svc := rpcserver.New(cfg, sessionManager, resourceManager, composer, handles, log)

	coordinator := cleanup.New(sessionManager, resourceManager, composer, handles, log)
	coordinator.Start(ctx)

	router := rpcserver.NewRouter(svc, meter)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.Info("starting msbhost rpc server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stats := coordinator.GracefulShutdown(shutdownCtx)
		log.Info("cleanup complete", "sessions_found", stats.SessionsFound, "sessions_cleaned_up", stats.SessionsCleanedUp, "cleanup_errors", stats.CleanupErrors)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown http server", "error", err)
			return err
		}
		log.Info("http server shutdown complete")
		return nil
	})

	return grp.Wait()
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
