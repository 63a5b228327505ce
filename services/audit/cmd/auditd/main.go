package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"

	"eagled/pkg/bus"
	"eagled/pkg/db"
	"eagled/services/audit"
)

type config struct {
	DBDSN   string `env:"EAGLED_DB_DSN,required"`
	NATSURL string `env:"EAGLED_NATS_URL,required"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	b, err := bus.New(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer b.Close()

	recorder, err := audit.NewRecorder(pool, b)
	if err != nil {
		log.Fatal().Err(err).Msg("init recorder")
	}
	if err := recorder.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start recorder")
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Error().Err(err).Msg("close recorder")
		}
	}()

	log.Info().Msg("eagled-audit consuming session events")
	<-ctx.Done()
}
