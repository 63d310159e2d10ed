package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"ai-speech-failover-service/internal/app"
	"ai-speech-failover-service/internal/config"
	apihttp "ai-speech-failover-service/internal/http"
	"ai-speech-failover-service/internal/observability"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build application")
	}
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start application")
	}

	server := observability.NewServer(cfg.Service.HTTPAddr, apihttp.NewRouter(application))
	errCh := server.Start()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("application shutdown failed")
		os.Exit(1)
	}
}
