package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cqu-marketplace/order-service/internal/config"
	"github.com/cqu-marketplace/order-service/internal/httpx"
	kafkax "github.com/cqu-marketplace/order-service/internal/kafka"
	"github.com/cqu-marketplace/order-service/internal/ledger"
	"github.com/cqu-marketplace/order-service/internal/logging"
	"github.com/cqu-marketplace/order-service/internal/orders"
	"github.com/cqu-marketplace/order-service/internal/postgres"
	"github.com/cqu-marketplace/order-service/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New(cfg.ServiceName + "-ledger")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	repo := &ledger.Repo{DB: db}

	router := httpx.NewRouter(logger)
	lh := &ledger.Handler{Store: repo, Logger: logger}
	lh.Register(router)

	rec := &ledger.Reconciler{
		Store:  repo,
		Dedup:  &ledger.RedisDedup{RDB: rdb, ServiceName: cfg.ServiceName + "-ledger"},
		Logger: logger,
	}

	group := getenv("LEDGER_GROUP", "stock-ledger")
	workers := mustAtoi(os.Getenv("LEDGER_WORKERS"), 4)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicStockRelease, workers, logger)

	go func() {
		logger.Info("release consumer started",
			zap.String("group", group),
			zap.String("topic", orders.TopicStockRelease),
			zap.Int("workers", workers))
		if err := cons.Start(ctx, rec.HandleStockRelease); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	addr := getenv("LEDGER_HTTP_ADDR", ":8083")
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info("http listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
