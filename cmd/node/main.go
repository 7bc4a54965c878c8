package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperpredict/params"
	"github.com/uhyunpark/hyperpredict/pkg/api"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/pricing"
	"github.com/uhyunpark/hyperpredict/pkg/app/predict"
	"github.com/uhyunpark/hyperpredict/pkg/audit"
	"github.com/uhyunpark/hyperpredict/pkg/ledger"
	"github.com/uhyunpark/hyperpredict/pkg/lock"
	"github.com/uhyunpark/hyperpredict/pkg/sweeper"
	"github.com/uhyunpark/hyperpredict/pkg/util"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config (optional)")
	flag.Parse()

	// Load config: ENV > .env > TOML > defaults
	cfg, err := params.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, util.ParseLevel(os.Getenv("LOG_LEVEL")))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("node_failed", "error", err)
		os.Exit(1)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Ledger ----
	store, err := ledger.OpenPebble(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	sugar.Infow("ledger_opened", "data_dir", cfg.Node.DataDir)

	// ---- Market lock: Redis when shared, in-process otherwise ----
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = lock.NewRedis(rdb, cfg.Redis.LockTTL)
		sugar.Infow("redis_lock_enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.LockTTL)
	}

	model, err := pricing.NewModel(cfg.Pricing.Model)
	if err != nil {
		return err
	}

	// ---- App ----
	app := predict.New(predict.Config{
		Ledger:    store,
		Locker:    locker,
		Model:     model,
		Resolvers: cfg.ResolverAddresses(),
		Logger:    sugar,
	})

	server := api.NewServer(app, api.Config{
		AllowedOrigins: cfg.Node.AllowedOrigins,
		Logger:         sugar,
	})

	g, gctx := errgroup.WithContext(ctx)

	// ---- Trade archive (optional) ----
	if cfg.Audit.DatabaseURL != "" {
		pg, err := audit.NewPostgres(ctx, cfg.Audit.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		recorder := audit.NewRecorder(pg, audit.Config{QueueSize: cfg.Audit.QueueSize, Logger: sugar})
		app.OnTrade(func(r *predict.Receipt) { recorder.Enqueue(r.Trade) })
		g.Go(func() error { return recorder.Run(gctx) })
		sugar.Infow("audit_enabled", "queue_size", cfg.Audit.QueueSize)
	}

	// ---- Expiry sweeper (optional) ----
	if cfg.Sweeper.Schedule != "" {
		sw := sweeper.New(app, sweeper.Config{Logger: sugar, OnExpired: server.NotifyExpired})
		g.Go(func() error { return sw.Run(gctx, cfg.Sweeper.Schedule) })
	}

	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"pricing_model", model.Name(),
		"resolvers", len(cfg.Resolution.Resolvers),
	)
	g.Go(func() error { return server.Start(gctx, cfg.Node.APIAddr) })

	return g.Wait()
}
