package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nimasrn/payment-gateway/internal/config"
	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/processor"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/internal/reference"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/internal/services"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/nimasrn/payment-gateway/pkg/prom"
	"github.com/nimasrn/payment-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()
	logger.Info("starting verification processor", "version", version, "commit", commit, "date", date)

	err := config.Load(config.EnvPathFromArgs(os.Args, ""))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	if err = cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return
	}

	db, err := pg.CreateReadWrite(cfg.ReadDB(), cfg.WriteDB(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("payment-processor"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	client, err := gateway.NewClient(cfg.Gateway())
	if err != nil {
		logger.Error("failed to create gateway client", "error", err)
		return
	}
	defer client.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err = prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(cfg.PromListenAddr, cfg.PromURI)

	ledger := repository.NewTransactionRepository(db)
	paymentService := services.NewPaymentService(ledger, client, reference.NewUUIDGenerator(cfg.ReferencePrefix), cfg.PaymentCurrency)

	idempotencyConfig := processor.DefaultIdempotencyConfig()
	idempotencyConfig.LockTTL = cfg.VerifyLockTTL
	idempotencyConfig.RetryTTL = cfg.VerifyRetryTTL
	idempotencyConfig.MaxRetries = cfg.VerifyMaxRetries
	idempotencyService := processor.NewIdempotencyService(redisAdap, idempotencyConfig)

	queueConfig := cfg.VerificationQueue()
	service, err := processor.NewProcessorService(redisAdap, processor.ServiceConfig{
		Queue:             queueConfig,
		Consumers:         cfg.QueueConsumers,
		Workers:           cfg.WorkerCount,
		ProcessingTimeout: cfg.VerifyLockTTL,
	})
	if err != nil {
		logger.Error("failed to create processor", "error", err)
		return
	}
	service.RegisterProcessor(processor.NewVerificationProcessor(paymentService, idempotencyService))

	sweepQueue, err := queue.NewQueue(redisAdap, queueConfig)
	if err != nil {
		logger.Error("failed creating sweep publisher", "error", err)
		return
	}
	service.RegisterSweeper(processor.NewSweeper(paymentService, sweepQueue, processor.SweeperConfig{
		Interval:    cfg.SweepInterval,
		GracePeriod: cfg.SweepGracePeriod,
		MaxAge:      cfg.SweepMaxAge,
		BatchSize:   cfg.SweepBatchSize,
	}))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		service.Stop()
		return
	}

	<-c
	service.Stop()
}
