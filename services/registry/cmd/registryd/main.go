package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"eagled/pkg/bus"
	"eagled/pkg/db"
	"eagled/pkg/ethsig"
	"eagled/pkg/evmrpc"
	"eagled/pkg/keyvault"
	"eagled/pkg/render"
	"eagled/pkg/telemetry"
	"eagled/services/bundler"
	"eagled/services/orchestrator"
	"eagled/services/registry"
)

const serviceName = "eagled-registry"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := registry.LoadEnv(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	shutdownTracing, traceMiddleware, _, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	orm, err := gorm.Open(postgres.Open(cfg.DBDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("open orm")
	}

	vault, err := keyvault.NewFromString(cfg.VaultSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("init key vault")
	}

	chains, err := evmrpc.LoadChains(cfg.ChainsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load chains file")
	}
	chain, err := evmrpc.FindChain(chains, cfg.Chain)
	if err != nil {
		log.Fatal().Err(err).Msg("select chain")
	}
	rpc, err := evmrpc.New(chain.Endpoints, cfg.RPCTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("init rpc client")
	}
	defer rpc.Close()
	rpc.OnFailover = func(endpoint string, err error) {
		log.Warn().Err(err).Str("endpoint", endpoint).Msg("rpc endpoint failed, trying next")
	}

	renderer, err := render.New()
	if err != nil {
		log.Fatal().Err(err).Msg("init renderer")
	}

	bundlerClient, err := bundler.New(cfg.BundlerURL, []byte(cfg.DeployHMACSecret),
		bundler.WithReceiptTimeout(cfg.ReceiptTimeout))
	if err != nil {
		log.Fatal().Err(err).Msg("init bundler client")
	}

	var events orchestrator.Publisher
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer b.Close()
		if err := b.EnsureStream("EAGLED_SESSIONS", "eagled.sessions.>"); err != nil {
			log.Fatal().Err(err).Msg("ensure sessions stream")
		}
		events = b
	} else {
		log.Warn().Msg("EAGLED_NATS_URL unset, session events disabled")
	}

	store := registry.NewSessionStore(orm)
	nonces := registry.NewNonceIssuer(pool, cfg.NonceTTL)
	verifier := ethsig.NewVerifier(rpc)

	orch, err := orchestrator.New(store, vault, rpc, bundlerClient, events, orchestrator.Config{
		OwnerScanLimit: cfg.OwnerScanLimit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init orchestrator")
	}

	reg, err := registry.New(store, nonces, verifier, vault, renderer, orch, registry.Config{
		HMACSecret:  []byte(cfg.DeployHMACSecret),
		SessionTTL:  cfg.SessionTTL,
		CORSOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init registry")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           traceMiddleware(reg.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("chain", chain.Name).Msg("starting eagled-registry")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown http server")
	}
}
