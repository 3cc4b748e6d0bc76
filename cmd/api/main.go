package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nimasrn/payment-gateway/internal/config"
	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/handlers"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/internal/reference"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/internal/services"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
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
	logger.Info("starting payment api", "version", version, "commit", commit, "date", date)

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

	opt := xhttp.DefaultServerOption
	opt.ReadTimeout = cfg.HttpServerReadTimeout
	opt.WriteTimeout = cfg.HttpServerWriteTimeout
	s := xhttp.NewServer(opt)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))
	s.Router = xhttp.CreateDefaultRouter()

	db, err := pg.CreateReadWrite(cfg.ReadDB(), cfg.WriteDB(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("payment-api"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	q, err := queue.NewQueue(redisAdap, cfg.VerificationQueue())
	if err != nil {
		logger.Error("failed creating verification queue", "error", err)
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

	paymentHandler := handlers.NewPaymentHandler(paymentService, q)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": db,
		"redis":    handlers.PingFunc(redisAdap.Ping),
	})

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
			c <- syscall.SIGTERM
		}
	}()

	<-c
	s.Shutdown()
}
