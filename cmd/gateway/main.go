package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/object-gateway/internal/logging"
	"github.com/tendant/object-gateway/pkg/gateway/api"
	"github.com/tendant/object-gateway/pkg/gateway/config"
	"github.com/tendant/object-gateway/pkg/gateway/health"
)

var version = "dev"

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	envPrefix := flag.String("env-prefix", "GATEWAY_", "prefix of environment overrides")
	flag.Parse()

	var opts []config.Option
	if *configFile != "" {
		opts = append(opts, config.WithFile(*configFile))
	}
	opts = append(opts, config.WithEnv(*envPrefix))

	serverConfig, err := config.Load(opts...)
	if err != nil {
		log.Fatalf("Failed to load server configuration: %v", err)
	}

	logger := logging.New(serverConfig.LogLevel, serverConfig.LogFormat)
	slog.SetDefault(logger)

	if err := run(serverConfig, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(serverConfig *config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer := serverConfig.NewSigner()
	eng, err := serverConfig.BuildEngine(ctx, signer, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("failed to close storage backends", "error", err)
		}
	}()

	hooks, err := serverConfig.NewWebhookManager(logger)
	if err != nil {
		return err
	}
	defer hooks.Wait()

	indexed, err := eng.RebuildIndexes(ctx)
	if err != nil {
		return err
	}
	for name, n := range indexed {
		logger.Info("rebuilt dedup index", "storage", name, "hashes", n)
	}

	janitorDone := eng.ShareLinks().StartJanitor(ctx, serverConfig.ShareCleanupInterval)

	api.Version = version
	server := api.New(eng,
		api.WithSigner(signer),
		api.WithWebhooks(hooks),
		api.WithHealthChecker(health.NewChecker(eng.Storages(), health.WithVersion(version))),
		api.WithLogger(logger),
		api.WithDevelopment(serverConfig.Environment == "development"),
	)

	httpServer := &http.Server{
		Addr:    serverConfig.Addr(),
		Handler: server.Routes(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("object gateway starting",
			"addr", httpServer.Addr,
			"env", serverConfig.Environment,
			"default_storage", serverConfig.DefaultStorageBackend,
			"storages", eng.Names(),
			"presigned", signer.IsEnabled(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-janitorDone

	logger.Info("server exiting")
	return nil
}
