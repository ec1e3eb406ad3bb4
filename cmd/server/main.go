package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/mkharitonov/toolcrib/internal/adapter/detection"
	"github.com/mkharitonov/toolcrib/internal/adapter/handler"
	"github.com/mkharitonov/toolcrib/internal/adapter/storage"
	"github.com/mkharitonov/toolcrib/internal/config"
	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/core/registry"
	"github.com/mkharitonov/toolcrib/internal/core/service"
	"github.com/mkharitonov/toolcrib/internal/obs"
	"github.com/mkharitonov/toolcrib/internal/port"
)

type catalogStore interface {
	port.CatalogRepository
	port.JournalRepository
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := obs.Init()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open store failed", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("store ready", "store", cfg.Store)

	for _, seed := range cfg.SeedTools {
		if err := store.UpsertTool(ctx, seed.ToolType()); err != nil {
			logger.Error("seed tool failed", "tool", seed.Key, "error", err)
			os.Exit(1)
		}
	}
	if len(cfg.SeedTools) > 0 {
		logger.Info("catalog seeded", "tools", len(cfg.SeedTools))
	}

	var regOpts []registry.Option
	var redisAdapter *storage.RedisAdapter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		redisAdapter = storage.NewRedisAdapter(rdb)
		regOpts = append(regOpts, registry.WithLease(redisAdapter))
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	reg := registry.New(cfg.SessionIdleTTL, cfg.SessionRetention, append(regOpts, registry.WithLogger(logger))...)
	detector := detection.NewHTTPClient(cfg.DetectorURL, cfg.DetectorTimeout)
	svc := service.NewReconcileService(reg, store, detector, cfg.JournalQueueSize, service.WithLogger(logger))

	// Journal workers drain terminal-session history into the store.
	var wg sync.WaitGroup
	for i := 0; i < cfg.JournalWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			journalLoop(id, svc.JournalQueue(), store, logger)
		}(i)
	}
	logger.Info("journal workers started", "count", cfg.JournalWorkers)

	// Background jobs: session expiry sweep and the stock mirror.
	scheduler := cron.New()
	every := fmt.Sprintf("@every %s", cfg.SweepInterval)
	if _, err := scheduler.AddFunc(every, func() { reg.Sweep(ctx) }); err != nil {
		logger.Error("schedule sweep failed", "error", err)
		os.Exit(1)
	}
	if redisAdapter != nil {
		if _, err := scheduler.AddFunc(every, func() { publishStock(ctx, store, redisAdapter, logger) }); err != nil {
			logger.Error("schedule stock mirror failed", "error", err)
			os.Exit(1)
		}
	}
	scheduler.Start()

	mux := http.NewServeMux()
	httpHandler := handler.NewHTTPHandler(svc, store, cfg.DefaultConfidence, logger)
	httpHandler.Register(mux)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("http server stopped")

	<-scheduler.Stop().Done()
	logger.Info("scheduler stopped")

	svc.Close()
	wg.Wait()
	logger.Info("journal workers stopped")
}

func openStore(ctx context.Context, cfg config.Config) (catalogStore, func(), error) {
	switch cfg.Store {
	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		return storage.NewMySQLAdapter(db), func() { db.Close() }, nil
	case "sqlite":
		adapter, err := storage.NewSQLiteAdapter(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return adapter, func() { adapter.Close() }, nil
	case "memory":
		return storage.NewMemoryCatalog(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func journalLoop(id int, queue <-chan domain.JournalEntry, journal port.JournalRepository, logger *slog.Logger) {
	for entry := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := journal.RecordOperation(ctx, entry); err != nil {
			logger.Error("journal write failed",
				"worker", id, "session_id", entry.SessionID, "error", err)
		}
		cancel()
	}
}

func publishStock(ctx context.Context, catalog port.CatalogRepository, redisAdapter *storage.RedisAdapter, logger *slog.Logger) {
	tools, err := catalog.ListTools(ctx)
	if err != nil {
		logger.Warn("stock mirror: list tools failed", "error", err)
		return
	}
	for _, t := range tools {
		if err := redisAdapter.PublishStock(ctx, t.Key, t.Quantity); err != nil {
			logger.Warn("stock mirror: publish failed", "tool", t.Key, "error", err)
			return
		}
	}
}
