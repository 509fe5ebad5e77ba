package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tempandmajor/commonly-sub010/internal/cache"
	"github.com/tempandmajor/commonly-sub010/internal/config"
	"github.com/tempandmajor/commonly-sub010/internal/database"
	"github.com/tempandmajor/commonly-sub010/internal/gateway"
	"github.com/tempandmajor/commonly-sub010/internal/handler"
	"github.com/tempandmajor/commonly-sub010/internal/ledger"
	"github.com/tempandmajor/commonly-sub010/internal/logging"
	"github.com/tempandmajor/commonly-sub010/internal/middleware"
	"github.com/tempandmajor/commonly-sub010/internal/queue"
	"github.com/tempandmajor/commonly-sub010/internal/repository"
	"github.com/tempandmajor/commonly-sub010/internal/reservation"
	"github.com/tempandmajor/commonly-sub010/internal/router"
	"github.com/tempandmajor/commonly-sub010/internal/settlement"
	"github.com/tempandmajor/commonly-sub010/internal/supervisor"
)

func main() {
	cfg, err := config.Load() // Load environment config
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis is optional: nil disables rate limiting and both caches.
	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		logging.Warn().Str("addr", cfg.Redis.Address()).Msg("redis unavailable, running without rate limits and caches")
	} else {
		defer rdb.Close()
	}

	gw := gateway.NewResilient(newGateway(cfg.Gateway), gateway.ResilientConfig{
		Name:        "payments",
		MaxRetries:  cfg.Gateway.MaxRetries,
		CallTimeout: cfg.Gateway.Timeout,
	})

	var (
		notifier queue.Notifier = queue.Nop{}
		pub      *queue.Publisher
	)
	if cfg.RabbitMQURL != "" {
		pub = queue.NewPublisher(cfg.RabbitMQURL).WithBuffer(cfg.NotifyBuffer)
		notifier = pub
	}

	summaries := cache.NewEventCache(rdb, "event", cfg.Cache.SummaryTTL)
	events := repository.NewEventRepo(db)
	reservations := repository.NewReservationRepo(db)
	tickets := ledger.New(db)

	engine := settlement.NewEngine(settlement.Deps{
		DB:           db,
		Events:       events,
		Reservations: reservations,
		Ledger:       tickets,
		Gateway:      gw,
		Notifier:     notifier,
		Cache:        summaries,
	}, settlement.Config{
		Concurrency: cfg.Settlement.Concurrency,
		RPS:         cfg.Settlement.RPS,
		RetryBudget: cfg.Settlement.RetryBudget,
		RetryBase:   cfg.Settlement.RetryBase,
		RetryMax:    cfg.Settlement.RetryMax,
		ClaimLease:  cfg.Settlement.ClaimLease,
	})
	mgr := reservation.NewManager(reservation.Deps{
		DB:           db,
		Events:       events,
		Reservations: reservations,
		Ledger:       tickets,
		Gateway:      gw,
		Notifier:     notifier,
		Cache:        summaries,
		Funding:      engine,
	}, reservation.Config{
		Currency:   cfg.Gateway.Currency,
		MaxTickets: cfg.MaxTicketsPerReservation,
	})
	defer mgr.Wait()

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.HidePort = true
	router.Register(e, db, router.Handlers{
		Events:       handler.NewEventHandler(events, summaries),
		Reservations: handler.NewReservationHandler(mgr),
		Organizer:    handler.NewOrganizerHandler(events, reservations),
		Webhooks:     handler.NewWebhookHandler(engine),
	}, router.Options{
		JWTSecret:     cfg.JWTSecret,
		WebhookSecret: cfg.WebhookSecret,
		ResponseCache: middleware.ResponseCache(cfg.Cache, rdb),
		RateLimit:     middleware.RateLimit(cfg.RateLimit, rdb),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddAPIService(supervisor.NewHTTPService(srv, 15*time.Second))
	tree.AddWorker(settlement.NewSweeper(engine, cfg.Settlement.SweepInterval))
	if pub != nil {
		tree.AddWorker(pub)
		tree.AddWorker(queue.NewConsumer(cfg.RabbitMQURL, queue.LogNotification))
	}

	logging.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("listening")
	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	logging.Info().Msg("shutting down")

	err = <-errCh
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, u := range report {
			logging.Warn().Str("service", u.Name).Msg("service did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openDB(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	var (
		db      *sql.DB
		dialect database.Dialect
		err     error
	)
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		db, err = database.OpenSQLite(cfg.SQLitePath)
		dialect = database.SQLite
	default:
		db, err = database.Open(cfg.User, cfg.Pass, cfg.Host, cfg.Port, cfg.Name)
		dialect = database.MySQL
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logging.Info().Str("driver", string(dialect)).Msg("database ready")
	return db, nil
}

func newGateway(cfg config.GatewayConfig) gateway.Gateway {
	if strings.EqualFold(cfg.Driver, "stripe") {
		return gateway.NewStripeClient(gateway.StripeConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
	}
	logging.Warn().Msg("using in-memory payment gateway")
	return gateway.NewMemory()
}
