package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/site-materials/cmd/materials/cli"
	"github.com/odyssey-erp/site-materials/internal/app"
	"github.com/odyssey-erp/site-materials/internal/approval"
	"github.com/odyssey-erp/site-materials/internal/catalog"
	"github.com/odyssey-erp/site-materials/internal/observability"
	"github.com/odyssey-erp/site-materials/internal/platform/cache"
	"github.com/odyssey-erp/site-materials/internal/platform/db"
	"github.com/odyssey-erp/site-materials/internal/rbac"
	"github.com/odyssey-erp/site-materials/internal/requests"
	"github.com/odyssey-erp/site-materials/internal/shared"
	"github.com/odyssey-erp/site-materials/internal/stock"
	"github.com/odyssey-erp/site-materials/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 2 && os.Args[1] == "jobs" {
		if err := runJobsCommand(ctx, cfg, os.Args[2:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPoolSize)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	chain, err := cfg.ApprovalConfig()
	if err != nil {
		logger.Error("load approval chain", slog.Any("error", err))
		os.Exit(1)
	}
	resolver, err := approval.NewResolver(chain)
	if err != nil {
		logger.Error("approval chain", slog.Any("error", err))
		os.Exit(1)
	}
	thresholds, err := cfg.ThresholdConfig()
	if err != nil {
		logger.Error("threshold config", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	alerts := stock.NewRedisAlertIndex(redisClient)

	ledger := stock.NewLedger(stock.NewRepository(dbpool), stock.NewMonitor(thresholds), stock.Options{
		Audit:   auditLogger,
		Alerts:  alerts,
		Metrics: metrics,
		Logger:  logger,
	})

	directory := rbac.NewDirectory(dbpool)
	rbacMiddleware := rbac.Middleware{Directory: directory, Logger: logger}

	requestService := requests.NewService(
		requests.NewRepository(dbpool),
		resolver,
		ledger,
		catalog.NewLookup(catalog.NewRepository(dbpool)),
		directory,
		requests.Config{PartialFill: cfg.PartialFill},
		requests.Options{
			Audit:       auditLogger,
			Idempotency: idempotencyStore,
			Metrics:     metrics,
			Logger:      logger,
		},
	)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		RBACMiddleware:  rbacMiddleware,
		RequestsHandler: requests.NewHandler(logger, requestService, rbacMiddleware),
		StockHandler:    stock.NewHandler(logger, ledger, alerts, rbacMiddleware),
		JobHandler:      jobs.NewHandler(inspector, jobClient, rbacMiddleware, logger),
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobsCommand handles `materials jobs trigger <task>`, `jobs stats` and
// `jobs scheduled`.
func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return fmt.Errorf("usage: jobs trigger <%s|%s|%s>", jobs.TaskLedgerVerify, jobs.TaskThresholdSweep, jobs.TaskIdempotencyCleanup)
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s as %s\n", info.Type, info.ID)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	case "scheduled":
		infos, err := jobsCLI.ListScheduled(ctx, 20)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%s %s %s\n", info.ID, info.Type, info.NextProcessAt.Format(time.RFC3339))
		}
	default:
		return fmt.Errorf("unknown jobs command %q", args[0])
	}
	return nil
}
