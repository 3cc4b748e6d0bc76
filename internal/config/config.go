package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var ErrMissingSecretKey = errors.New("PAYSTACK_SECRET_KEY is required")

var config *Config

// Config holds every configuration value of the gateway. Nothing else in the
// repository reads the environment directly; values are handed to components
// at construction time.
type Config struct {
	AppEnv   string `env:"APP_ENV,default=dev"`
	AppName  string `env:"APP_NAME,default=payment_gateway"`
	AppDebug bool   `env:"APP_DEBUG"`

	HttpListenAddr         string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout     time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=15s"`
	HttpServerReadTimeout  time.Duration `env:"HTTP_SERVER_READ_TIMEOUT,default=5s"`
	HttpServerWriteTimeout time.Duration `env:"HTTP_SERVER_WRITE_TIMEOUT,default=20s"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`
	PostgresMaxOpenConns  int    `env:"POSTGRES_MAX_OPEN_CONNS,default=20"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=paygw:"`

	PromNamespace  string `env:"PROM_NAMESPACE,default=payment_gateway"`
	PromListenAddr string `env:"PROM_LISTEN_ADDR,default=:9100"`
	PromURI        string `env:"PROM_URI,default=/metrics"`

	QueueName              string        `env:"QUEUE_NAME,default=payments:verify"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=verifiers"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueConsumers         int           `env:"QUEUE_CONSUMERS,default=2"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=5"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	WorkerCount int `env:"WORKER_COUNT,default=16"`

	VerifyLockTTL    time.Duration `env:"VERIFY_LOCK_TTL,default=30s"`
	VerifyRetryTTL   time.Duration `env:"VERIFY_RETRY_TTL,default=10m"`
	VerifyMaxRetries int           `env:"VERIFY_MAX_RETRIES,default=5"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL,default=5m"`
	SweepGracePeriod time.Duration `env:"SWEEP_GRACE_PERIOD,default=15m"`
	SweepMaxAge      time.Duration `env:"SWEEP_MAX_AGE,default=48h"`
	SweepBatchSize   int           `env:"SWEEP_BATCH_SIZE,default=200"`

	PaystackSecretKey    string        `env:"PAYSTACK_SECRET_KEY"`
	PaystackBaseUrl      string        `env:"PAYSTACK_BASE_URL,default=https://api.paystack.co"`
	PaystackSecondaryUrl string        `env:"PAYSTACK_SECONDARY_URL"`
	PaystackTimeout      time.Duration `env:"PAYSTACK_TIMEOUT,default=10s"`
	PaystackMaxRetries   int           `env:"PAYSTACK_MAX_RETRIES,default=2"`
	PaystackHealthPath   string        `env:"PAYSTACK_HEALTH_PATH"`

	PaymentCurrency    string `env:"PAYMENT_CURRENCY,default=GHS"`
	PaymentCallbackUrl string `env:"PAYMENT_CALLBACK_URL"`
	ReferencePrefix    string `env:"REFERENCE_PREFIX,default=DON-"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	_, err = env.UnmarshalFromEnviron(c)
	if err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	config = c
	return nil
}

// Validate checks the values that the payment path cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PaystackSecretKey) == "" {
		return ErrMissingSecretKey
	}
	if c.PaystackBaseUrl == "" {
		return errors.New("PAYSTACK_BASE_URL is required")
	}
	return nil
}

// Set replaces the loaded configuration. Used by tests and tools that build
// a Config by hand.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// ProviderURLs returns the configured processor base URLs, primary first.
func (c *Config) ProviderURLs() []string {
	urls := []string{c.PaystackBaseUrl}
	if c.PaystackSecondaryUrl != "" {
		urls = append(urls, c.PaystackSecondaryUrl)
	}
	return urls
}
