// Spins up the ledgerview server: container and item discovery over the ledger, served over the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/ledgerview/pkg/cache"
	"github.com/nobletooth/ledgerview/pkg/clock"
	"github.com/nobletooth/ledgerview/pkg/config"
	"github.com/nobletooth/ledgerview/pkg/discovery"
	"github.com/nobletooth/ledgerview/pkg/executor"
	"github.com/nobletooth/ledgerview/pkg/ledger"
	"github.com/nobletooth/ledgerview/pkg/metadata"
	"github.com/nobletooth/ledgerview/pkg/port"
	"github.com/nobletooth/ledgerview/pkg/storage"
	"github.com/nobletooth/ledgerview/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	printVersion    = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress  = flag.String("metrics_address", ":9090", "The ip:port serving /metrics; empty disables it.")
	shutdownTimeout = flag.Duration("shutdown_timeout", 30*time.Second, "Upper bound on the graceful shutdown.")
)

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Ledgerview build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("Ledgerview stopped.", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	cacheOptions, err := cache.OptionsFromFlags()
	if err != nil {
		return fmt.Errorf("invalid cache flags: %w", err)
	}
	client, err := ledger.NewJSONRPCClient(ledger.JSONRPCOptionsFromFlags())
	if err != nil {
		return fmt.Errorf("failed to create the ledger client: %w", err)
	}
	cold, err := storage.NewBlobStoreFromFlags(ctx)
	if err != nil {
		return fmt.Errorf("failed to open the blob store: %w", err)
	}

	clk, reg := clock.Real(), prometheus.DefaultRegisterer
	tiered := cache.NewTiered(ctx, cacheOptions, clk, cold, reg)
	if loaded, err := tiered.Hydrate(ctx); err != nil {
		slog.Warn("Starting with a cold cache.", "error", err)
	} else {
		slog.Info("Hydrated the cache.", "entries", loaded)
	}

	metadataOptions := metadata.OptionsFromFlags()
	resolver := metadata.NewResolver(metadata.NewHTTPFetcher(nil, metadataOptions.MaxBodyBytes), metadataOptions)
	engine := discovery.New(discovery.OptionsFromFlags(), discovery.Deps{
		Client:     client,
		Cache:      tiered,
		Executor:   executor.New(executor.OptionsFromFlags(), clk, tiered, reg),
		Resolver:   resolver,
		Clock:      clk,
		Registerer: reg,
	})

	cacheDone := make(chan struct{})
	go func() {
		defer close(cacheDone)
		tiered.Run(ctx)
	}()
	engine.Start(ctx)

	metricsServer := startMetricsServer()
	serveErr := port.RunRedisServer(ctx, engine)
	stop() // The port may stop on its own; take the background loops down with it.

	// Shut down in reverse order; the final flush gets its own deadline since `ctx` is already done.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), *shutdownTimeout)
	defer cancel()
	engine.Stop()
	<-cacheDone
	var metricsErr error
	if metricsServer != nil {
		metricsErr = metricsServer.Shutdown(shutdownCtx)
	}
	if exitErr := errors.Join(serveErr, metricsErr, tiered.Close(shutdownCtx)); exitErr != nil {
		return fmt.Errorf("failed to close ledgerview: %w", exitErr)
	}
	slog.Info("Ledgerview stopped gracefully.")
	return nil
}

// startMetricsServer serves the default prometheus registry on --metrics_address in the background.
func startMetricsServer() *http.Server {
	if *metricsAddress == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: *metricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("Serving metrics.", "address", *metricsAddress)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed.", "error", err)
		}
	}()
	return metricsServer
}
