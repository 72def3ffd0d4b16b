// Package main is the entry point for the guetzli service daemon. It wires
// configuration, storage, the job pipeline, the janitor, and the HTTP
// surface, then blocks until an interrupt signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/speexx/guetzli-service/internal/api"
	"github.com/speexx/guetzli-service/internal/config"
	"github.com/speexx/guetzli-service/internal/coordinator"
	"github.com/speexx/guetzli-service/internal/janitor"
	"github.com/speexx/guetzli-service/internal/probe"
	"github.com/speexx/guetzli-service/internal/store"
	"github.com/speexx/guetzli-service/internal/transformer"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	st, err := store.New(cfg.StorageBase, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init store")
	}

	pr := probe.New(cfg.ProbeTimeout)
	tr := transformer.New(cfg.TransformPollInterval, cfg.TransformMaxAttempts, log)
	coord := coordinator.New(st, st, pr, tr, cfg.TransformSlots, cfg.MaxSourceSize, log)

	jan := janitor.New(st, cfg.JanitorMaxAge, log)
	if err := jan.StartWithSchedule(cfg.JanitorSchedule); err != nil {
		log.Fatal().Err(err).Msg("start janitor")
	}
	defer jan.Stop()

	srv := api.New(coord, st, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx, cfg.Address); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
