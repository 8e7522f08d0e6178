package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/catalog"
	"github.com/iliyamo/ticket-saga/internal/config"
	"github.com/iliyamo/ticket-saga/internal/database"
	"github.com/iliyamo/ticket-saga/internal/handler"
	"github.com/iliyamo/ticket-saga/internal/idempotency"
	"github.com/iliyamo/ticket-saga/internal/inventory"
	"github.com/iliyamo/ticket-saga/internal/ledger"
	"github.com/iliyamo/ticket-saga/internal/logger"
	"github.com/iliyamo/ticket-saga/internal/orders"
	"github.com/iliyamo/ticket-saga/internal/otp"
	"github.com/iliyamo/ticket-saga/internal/queue"
	"github.com/iliyamo/ticket-saga/internal/repository"
	"github.com/iliyamo/ticket-saga/internal/router"
	"github.com/iliyamo/ticket-saga/internal/saga"
	"github.com/iliyamo/ticket-saga/internal/ticket"
	"github.com/iliyamo/ticket-saga/internal/watcher"
)

func main() {
	_ = godotenv.Load() // a missing .env is fine outside local development

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// stores holds the persistence the services are built on.
type stores struct {
	accounts ledger.Store
	orders   orders.Store
	holds    inventory.Store
	sagas    saga.Store
	db       *sql.DB
}

func openStores(cfg config.Config, log *zap.Logger) (stores, error) {
	if cfg.Store == "memory" {
		log.Warn("using in-memory stores; state is lost on restart")
		return stores{
			accounts: repository.NewMemoryAccounts(),
			orders:   repository.NewMemoryOrders(),
			holds:    repository.NewMemoryHolds(),
			sagas:    repository.NewMemorySagas(),
		}, nil
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return stores{}, err
	}
	log.Info("connected to mysql", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))
	return stores{
		accounts: repository.NewAccountRepo(db),
		orders:   repository.NewOrderRepo(db),
		holds:    repository.NewSeatHoldRepo(db),
		sagas:    repository.NewSagaRepo(db),
		db:       db,
	}, nil
}

// demoEvents seeds the in-process catalog used when no event service is
// configured.
func demoEvents(now time.Time) []catalog.Event {
	return []catalog.Event{{
		ID:       "demo",
		Name:     "Demo night",
		StartsAt: now.Add(90 * time.Minute).Truncate(time.Minute),
		PricingTiers: map[string]decimal.Decimal{
			"standard": decimal.NewFromInt(50),
			"vip":      decimal.NewFromInt(120),
		},
	}}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Redis is optional: without it every key-value concern is kept in
	// process, which is only correct for a single instance.
	var (
		rdb     *redis.Client
		kv      repository.KV = repository.NewMemoryKV()
		cacheKV catalog.KV    = repository.NewMemoryKV()
	)
	if rdb, err = config.NewRedisClient(cfg.Redis); err != nil {
		log.Warn("redis unavailable, using in-process stores", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
		kv = repository.NewRedisKV(rdb, cfg.Redis.Prefix)
		cacheKV = repository.NewRedisKV(rdb, cfg.Redis.Prefix+cfg.Cache.Prefix+":")
	}

	var events catalog.Source
	if cfg.CatalogURL != "" {
		events = catalog.NewClient(cfg.CatalogURL, cfg.CatalogTimeout)
		if cfg.Cache.Enabled {
			events = catalog.NewCached(events, cacheKV, cfg.Cache.TTL, log)
		}
	} else {
		log.Warn("CATALOG_URL not set, serving the demo catalog")
		events = catalog.NewMemory(demoEvents(time.Now().UTC())...)
	}

	var (
		sched  inventory.Scheduler
		notify saga.Notifier
	)
	if cfg.AMQPURL != "" {
		pub := queue.NewPublisher(cfg.AMQPURL, log)
		defer pub.Close()
		sched, notify = pub, pub
	} else {
		log.Warn("AMQP_URL not set, hold expiry relies on polling")
	}

	blocklist := ticket.NewBlocklist(kv)
	ledgerSvc := ledger.NewService(st.accounts, log)
	ordersSvc := orders.NewService(st.orders, log)
	inv := inventory.NewService(st.holds, sched, log)
	issuer := otp.NewIssuer(kv, otp.LogSender{Log: log, Reveal: cfg.OTPReveal}, otp.Config{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		BcryptCost:  cfg.BcryptCost,
	}, log)
	tickets := ticket.NewService(cfg.TicketSecret, cfg.TicketTTL, blocklist, log)

	orch := saga.New(st.sagas, saga.RetryPolicy{
		Attempts:    cfg.StepAttempts,
		Backoff:     cfg.StepBackoff,
		MaxBackoff:  cfg.StepMaxBackoff,
		StepTimeout: cfg.StepTimeout,
	}, notify, log)
	orch.Register(saga.Definitions(saga.Deps{
		Ledger:    ledgerSvc,
		Inventory: inv,
		Orders:    ordersSvc,
		OTP:       issuer,
		Tickets:   tickets,
		Catalog:   events,
		Guard:     idempotency.NewGuard(kv, cfg.IdempotencyTTL, log),
		HoldTTL:   cfg.HoldTTL,
		Entry:     catalog.Window{OpensBefore: cfg.EntryOpensBefore, ClosesAfter: cfg.EntryClosesAfter},
	})...)
	if n, err := orch.Recover(ctx); err != nil {
		log.Error("saga recovery incomplete", zap.Int("recovered", n), zap.Error(err))
	}

	w := watcher.New(inv, orch, cfg.WatcherInterval, log)
	go func() {
		if err := w.Run(ctx); err != nil {
			log.Error("watcher stopped", zap.Error(err))
		}
	}()
	if cfg.AMQPURL != "" {
		consumer := queue.NewExpiryConsumer(cfg.AMQPURL, w, log)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("expiry consumer stopped", zap.Error(err))
			}
		}()
	}

	checks := map[string]handler.Check{}
	if st.db != nil {
		checks["mysql"] = st.db.PingContext
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	e := router.New(log)
	router.RegisterRoutes(e, handler.Ready(checks))
	router.RegisterAPI(e, router.Handlers{
		Credits: handler.NewCreditsHandler(ledgerSvc),
		Orders:  handler.NewOrdersHandler(ordersSvc),
		Holds:   handler.NewHoldsHandler(inv, cfg.HoldTTL),
		OTP:     handler.NewOTPHandler(issuer),
		Sagas:   handler.NewSagaHandler(orch),
		Session: handler.NewSessionHandler(blocklist),
	}, router.Options{
		JWTSecret: cfg.JWTSecret,
		Revoked:   blocklist,
		RateLimit: cfg.RateLimit,
		Redis:     rdb,
		Replay:    kv,
		ReplayTTL: cfg.IdempotencyTTL,
		Log:       log,
	})

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("store", cfg.Store))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
