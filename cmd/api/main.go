package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cqu-marketplace/order-service/internal/catalog"
	"github.com/cqu-marketplace/order-service/internal/config"
	"github.com/cqu-marketplace/order-service/internal/httpx"
	"github.com/cqu-marketplace/order-service/internal/idempotency"
	kafkax "github.com/cqu-marketplace/order-service/internal/kafka"
	"github.com/cqu-marketplace/order-service/internal/logging"
	"github.com/cqu-marketplace/order-service/internal/orders"
	"github.com/cqu-marketplace/order-service/internal/postgres"
	"github.com/cqu-marketplace/order-service/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New(cfg.ServiceName)
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

	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024, logger)
	pCreated.Start(ctx)
	pCanceled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCanceled, 1024, logger)
	pCanceled.Start(ctx)
	pRelease := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicStockRelease, 1024, logger)
	pRelease.Start(ctx)

	svc := &orders.Service{
		Guard:            &idempotency.RedisGuard{RDB: rdb},
		Catalog:          catalog.NewHTTPClient(cfg.CatalogURL),
		Store:            &orders.Repo{DB: db},
		ProducerCreated:  pCreated,
		ProducerCanceled: pCanceled,
		ProducerRelease:  pRelease,
		ServiceName:      cfg.ServiceName,
		Logger:           logger,
	}

	router := httpx.NewRouter(logger)
	oh := &httpx.OrdersHandler{Service: svc}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
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

	pCreated.Close()
	pCanceled.Close()
	pRelease.Close()
	cancel()
	pCreated.WaitClosed()
	pCanceled.WaitClosed()
	pRelease.WaitClosed()
}
