package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/cache"
	"github.com/iliyamo/storefront-checkout/internal/config"
	"github.com/iliyamo/storefront-checkout/internal/database"
	"github.com/iliyamo/storefront-checkout/internal/handler"
	"github.com/iliyamo/storefront-checkout/internal/middleware"
	"github.com/iliyamo/storefront-checkout/internal/payment"
	"github.com/iliyamo/storefront-checkout/internal/queue"
	"github.com/iliyamo/storefront-checkout/internal/repository"
	"github.com/iliyamo/storefront-checkout/internal/router"
	"github.com/iliyamo/storefront-checkout/internal/service"
	"github.com/iliyamo/storefront-checkout/internal/telemetry"
)

const serviceName = "storefront-checkout"

func main() {
	// A missing .env is fine; the process environment wins anyway.
	_ = godotenv.Load()

	cfg := config.Load() // Load environment config
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(serviceName, cfg.OTelStdout)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init failed")
	}

	store, health := openStore(cfg)
	rdb := config.NewRedisClient()

	checkoutCfg := config.LoadCheckoutConfig()
	payCfg := config.LoadPaymentConfig()
	gateway, verifier := newGateway(payCfg)
	resilient := payment.NewResilient(gateway, payment.ResilientConfig{
		MaxTries:    uint(checkoutCfg.GatewayMaxTries),
		CallTimeout: checkoutCfg.GatewayTimeout,
	})

	notifyCfg := config.LoadNotifyConfig()
	var notifier service.Notifier = queue.LogNotifier{}
	if notifyCfg.Enabled {
		notifier = queue.NewPublisher(notifyCfg.URL, notifyCfg.Queue)
		if notifyCfg.LogConsumer {
			go func() {
				if err := queue.StartCheckoutEventConsumer(ctx, notifyCfg.URL, notifyCfg.Queue, "logs/checkout.log"); err != nil &&
					!errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("checkout event consumer stopped")
				}
			}()
		}
	}

	ledger := service.NewLedger(store, nil)
	reservations := service.NewReservationManager(store, ledger, nil)
	committer := service.NewFulfillmentCommitter(store, reservations, ledger, nil)
	orch := service.NewOrchestrator(store, reservations, committer, resilient, notifier, service.CheckoutConfig{
		DefaultTTL:    checkoutCfg.TTL,
		MinTTL:        checkoutCfg.MinTTL,
		MaxTTL:        checkoutCfg.MaxTTL,
		Currency:      checkoutCfg.Currency,
		NotifyTimeout: checkoutCfg.NotifyTimeout,
	})

	sweepCfg := config.LoadSweeperConfig()
	var lease service.Lease
	var dedupe handler.EventDeduper
	if rdb != nil {
		host, _ := os.Hostname()
		lease = cache.NewLease(rdb, host+"-"+strings.TrimPrefix(cfg.Port, ":"))
		dedupe = cache.NewDedupe(rdb, payCfg.WebhookDedupeTTL, payCfg.WebhookClaimTTL)
	}
	sweeper := service.NewSweeper(store, reservations, committer, resilient, notifier, lease, service.SweeperConfig{
		Interval:      sweepCfg.Interval,
		Batch:         sweepCfg.Batch,
		NotifyTimeout: checkoutCfg.NotifyTimeout,
	}, nil)

	e := newServer(cfg, rdb, orch, verifier, dedupe, ledger, sweeper, health)

	if sweepCfg.Enabled {
		go sweeper.Run(ctx)
	}

	addr := ":" + cfg.Port // Address string with port
	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Env).Str("store", cfg.StoreDriver).
			Str("payment", payCfg.Provider).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var base zerolog.Logger
	if cfg.Env == "dev" {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		base = zerolog.New(os.Stdout)
	}
	log.Logger = base.With().Timestamp().Str("service", serviceName).Logger()
	zerolog.DefaultContextLogger = &log.Logger
}

// openStore returns the configured store and the database to ping for
// health checks, nil for the memory store.
func openStore(cfg config.Config) (repository.Store, handler.Pinger) {
	if cfg.StoreDriver == "memory" {
		variants, err := parseSeed(cfg.MemorySeed)
		if err != nil {
			log.Fatal().Err(err).Msg("bad MEMORY_SEED")
		}
		mem := repository.NewMemoryStore()
		for _, v := range variants {
			mem.PutVariant(v)
		}
		log.Warn().Int("variants", len(variants)).Msg("using in-memory store; state is lost on restart")
		return mem, nil
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	return repository.NewMySQLStore(db), db
}

// newGateway returns the configured payment gateway together with the
// verifier for its webhooks.
func newGateway(cfg config.PaymentConfig) (payment.Gateway, payment.Verifier) {
	if cfg.Provider == "stripe" {
		s := payment.NewStripe(payment.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.SuccessURL,
			CancelURL:     cfg.CancelURL,
			Tolerance:     cfg.WebhookTolerance,
		})
		return s, s
	}
	s := payment.NewSandbox(cfg.SandboxWebhookSecret, cfg.SandboxCheckoutURL, cfg.WebhookTolerance)
	return s, s
}

func newServer(cfg config.Config, rdb *redis.Client, orch *service.Orchestrator, verifier payment.Verifier,
	dedupe handler.EventDeduper, ledger *service.Ledger, sweeper *service.Sweeper, health handler.Pinger) *echo.Echo {
	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Observe(serviceName))

	router.RegisterRoutes(e, handler.Health(health))
	router.RegisterCheckout(e, handler.NewCheckoutHandler(orch), cfg.JWTSecret,
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	router.RegisterWebhooks(e, handler.NewWebhookHandler(orch, verifier, dedupe))
	router.RegisterPublic(e, handler.NewAvailabilityHandler(ledger),
		middleware.NewRedisCache(config.LoadCacheConfig(), rdb))
	router.RegisterAdmin(e, handler.NewAdminHandler(orch, sweeper), cfg.JWTSecret)
	return e
}
