// Command acceptord serves the remote side of the sync protocol: it
// accepts operation batches from field clients and applies each
// operation effectively once.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldtrack/fieldsync/acceptor"
	"github.com/fieldtrack/fieldsync/logging"
	"github.com/fieldtrack/fieldsync/schema"
)

func main() {
	logging.Init(logging.GetConfigFromEnv())
	logger := logging.WithComponent(logging.Component("acceptord"))
	ctx := context.Background()

	config, err := LoadConfig()
	if err != nil {
		logger.LogError(ctx, err, "loading configuration")
		os.Exit(1)
	}

	store, err := acceptor.NewStore(config.Storage.DataSourceName)
	if err != nil {
		logger.LogError(ctx, err, "opening store")
		os.Exit(1)
	}
	defer store.Close()

	processor, err := acceptor.NewProcessor(store, schema.MustNewRegistry(), config.Server.ResultCacheSize)
	if err != nil {
		logger.LogError(ctx, err, "building processor")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    config.Server.Addr,
		Handler: acceptor.NewRouter(processor, []byte(config.Auth.JWTSecret)),
	}

	go func() {
		logger.InfoContext(ctx, "acceptord listening", slog.String("addr", config.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError(ctx, err, "server failed")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, config.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.LogError(ctx, err, "graceful shutdown failed")
	}
}
