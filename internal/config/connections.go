package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/nimasrn/payment-gateway/pkg/redis"
)

func (c *Config) ReadDB() pg.Config {
	return pg.Config{
		User:         c.PostgresReadUser,
		Host:         c.PostgresReadHost,
		Port:         c.PostgresReadPort,
		Password:     c.PostgresReadPassword,
		Database:     c.PostgresReadDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
}

func (c *Config) WriteDB() pg.Config {
	return pg.Config{
		User:         c.PostgresWriteUser,
		Host:         c.PostgresWriteHost,
		Port:         c.PostgresWritePort,
		Password:     c.PostgresWritePassword,
		Database:     c.PostgresWriteDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
}

func (c *Config) RedisOptions(clientName string) *redis.Options {
	return &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: clientName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	}
}

func (c *Config) VerificationQueue() queue.QueueConfig {
	consumer := c.QueueConsumerName
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		consumer = host
	}
	return queue.QueueConfig{
		Name:              c.QueueName,
		ConsumerGroup:     c.QueueConsumerGroup,
		ConsumerName:      consumer,
		MaxRetries:        c.QueueMaxRetries,
		VisibilityTimeout: c.QueueVisibilityTimeout,
		PollInterval:      c.QueuePollInterval,
		BatchSize:         c.QueueBatchSize,
		MaxLen:            c.QueueMaxLen,
		EnableDLQ:         c.QueueEnableDLQ,
	}
}

// Gateway builds the processor client settings. The first URL is the
// primary and is weighted above any secondary.
func (c *Config) Gateway() *gateway.Config {
	urls := c.ProviderURLs()
	providers := make([]gateway.ProviderConfig, 0, len(urls))
	for i, u := range urls {
		name := "primary"
		weight := 100
		if i > 0 {
			name = fmt.Sprintf("secondary-%d", i)
			weight = 80
		}
		providers = append(providers, gateway.ProviderConfig{Name: name, URL: u, Weight: weight})
	}

	return &gateway.Config{
		SecretKey:               c.PaystackSecretKey,
		Currency:                c.PaymentCurrency,
		CallbackURL:             c.PaymentCallbackUrl,
		Providers:               providers,
		Timeout:                 c.PaystackTimeout,
		MaxRetries:              c.PaystackMaxRetries,
		RetryDelay:              200 * time.Millisecond,
		MaxConns:                256,
		ReadBufferSize:          1024 * 8,
		WriteBufferSize:         1024 * 4,
		HealthCheckPath:         c.PaystackHealthPath,
		HealthCheckInterval:     30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
	}
}

// EnvPathFromArgs returns the file passed as --env=<path>, or fallback when
// no flag is given. A path that cannot be opened yields "".
func EnvPathFromArgs(args []string, fallback string) string {
	path := fallback
	for _, v := range args {
		if strings.HasPrefix(v, "--env=") {
			path = strings.TrimPrefix(v, "--env=")
			break
		}
	}
	if path == "" {
		return ""
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warn("failed to open env file", "path", path, "error", err)
		return ""
	}
	_ = f.Close()
	return path
}
