package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/skillswap/backend/internal/auth"
	"github.com/skillswap/backend/internal/config"
	"github.com/skillswap/backend/internal/deposits"
	"github.com/skillswap/backend/internal/execution"
	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/payoutmethods"
	"github.com/skillswap/backend/internal/payouts"
	"github.com/skillswap/backend/internal/providers"
	"github.com/skillswap/backend/internal/router"
	"github.com/skillswap/backend/internal/webhooks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Providers
	paypal := providers.NewPayPalClient(cfg.PayPal)
	whish := providers.NewWhish(
		cfg.Whish.CollectBaseURL,
		cfg.Whish.StatusURL,
		cfg.Whish.MerchantID,
		cfg.Whish.Secret,
		cfg.Whish.Currency,
		cfg.Whish.CallbackURL,
		cfg.Whish.ReturnURL,
	)

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)
	ledgerHandler := ledger.NewHandler(ledgerSvc, logger)

	// Payouts: insert func is set after the River client exists (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn payouts.InsertExecutePayoutTxFunc
	insertExecutePayout := func(ctx context.Context, tx pgx.Tx, args execution.ExecutePayoutJobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	methodsRepo := payoutmethods.NewRepository(pool)
	methodsSvc := payoutmethods.NewService(methodsRepo)
	methodsHandler := payoutmethods.NewHandler(methodsSvc, logger)

	payoutProviders := map[string]providers.PayoutProvider{
		models.ProviderPayPal: paypal,
		models.ProviderManual: providers.NewManual(),
	}
	payoutsRepo := payouts.NewRepository(pool)
	payoutsSvc := payouts.NewService(payoutsRepo, ledgerSvc, methodsSvc, payoutProviders, insertExecutePayout, cfg.Payments)
	payoutsHandler := payouts.NewHandler(payoutsSvc, logger)

	// Execution worker
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewExecutePayoutWorker(payoutsSvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.ExecutePayoutJobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Webhook audit log + deposits
	webhooksRepo := webhooks.NewRepository(pool)
	depositsSvc := deposits.NewService(ledgerSvc, paypal, whish, webhooksRepo, cfg.Payments)
	depositsHandler := deposits.NewHandler(depositsSvc, cfg.Payments.Packages, logger)
	webhooksHandler := webhooks.NewHandler(webhooksRepo, depositsSvc, payoutsSvc, paypal, whish, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	apiRouter := router.New(router.Handlers{
		Auth:          authHandler,
		Ledger:        ledgerHandler,
		Deposits:      depositsHandler,
		Payouts:       payoutsHandler,
		PayoutMethods: methodsHandler,
		Webhooks:      webhooksHandler,
	}, middleware.JWTAuth(authSvc, authSvc))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes payout jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port

	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
