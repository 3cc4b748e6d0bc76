package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "PAYSTACK_SECRET_KEY=sk_test_123\nPAYMENT_CURRENCY=NGN\nQUEUE_POLL_INTERVAL=250ms\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Cleanup(func() {
		os.Unsetenv("PAYSTACK_SECRET_KEY")
		os.Unsetenv("PAYMENT_CURRENCY")
		os.Unsetenv("QUEUE_POLL_INTERVAL")
	})

	require.NoError(t, Load(path))

	c := Get()
	assert.Equal(t, "sk_test_123", c.PaystackSecretKey)
	assert.Equal(t, "NGN", c.PaymentCurrency)
	assert.Equal(t, 250*time.Millisecond, c.QueuePollInterval)
	assert.Equal(t, "https://api.paystack.co", c.PaystackBaseUrl)
	assert.Equal(t, "DON-", c.ReferencePrefix)
	assert.NoError(t, c.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("missing secret key", func(t *testing.T) {
		c := &Config{PaystackBaseUrl: "https://api.paystack.co", PaystackSecretKey: "  "}
		assert.ErrorIs(t, c.Validate(), ErrMissingSecretKey)
	})

	t.Run("missing base url", func(t *testing.T) {
		c := &Config{PaystackSecretKey: "sk_test"}
		assert.Error(t, c.Validate())
	})
}

func TestConfig_ProviderURLs(t *testing.T) {
	c := &Config{PaystackBaseUrl: "http://primary"}
	assert.Equal(t, []string{"http://primary"}, c.ProviderURLs())

	c.PaystackSecondaryUrl = "http://secondary"
	assert.Equal(t, []string{"http://primary", "http://secondary"}, c.ProviderURLs())
}

func TestConfig_ConnectionSettings(t *testing.T) {
	c := &Config{
		PostgresReadHost:      "replica",
		PostgresReadPort:      "5433",
		PostgresWriteHost:     "primary",
		PostgresWritePort:     "5432",
		PostgresWriteDatabase: "payments",
		PostgresMaxOpenConns:  7,
		RedisAddr:             "localhost:6379",
		RedisDatabase:         2,
	}

	assert.Equal(t, "replica", c.ReadDB().Host)
	assert.Equal(t, "5433", c.ReadDB().Port)
	assert.Equal(t, "primary", c.WriteDB().Host)
	assert.Equal(t, "payments", c.WriteDB().Database)
	assert.Equal(t, 7, c.WriteDB().MaxOpenConns)

	opts := c.RedisOptions("api")
	assert.Equal(t, []string{"localhost:6379"}, opts.Addrs)
	assert.Equal(t, "api", opts.ClientName)
	assert.Equal(t, 2, opts.DB)
}

func TestEnvPathFromArgs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("APP_ENV=test\n"), 0o600))

	assert.Equal(t, path, EnvPathFromArgs([]string{"api", "--env=" + path}, ""))
	assert.Equal(t, path, EnvPathFromArgs([]string{"api"}, path))
	assert.Equal(t, "", EnvPathFromArgs([]string{"api", "--env=" + filepath.Join(dir, "missing.env")}, ""))
	assert.Equal(t, "", EnvPathFromArgs([]string{"api"}, ""))
}

func TestConfig_Gateway(t *testing.T) {
	c := &Config{
		PaystackSecretKey:    "sk_test",
		PaystackBaseUrl:      "https://api.paystack.co",
		PaystackSecondaryUrl: "https://backup.example.com",
		PaystackTimeout:      3 * time.Second,
		PaystackMaxRetries:   1,
		PaymentCurrency:      "GHS",
		PaymentCallbackUrl:   "https://donate.example.com/callback",
	}

	gw := c.Gateway()
	assert.Equal(t, "sk_test", gw.SecretKey)
	assert.Equal(t, "GHS", gw.Currency)
	assert.Equal(t, 3*time.Second, gw.Timeout)
	require.Len(t, gw.Providers, 2)
	assert.Equal(t, "primary", gw.Providers[0].Name)
	assert.Equal(t, "https://api.paystack.co", gw.Providers[0].URL)
	assert.Greater(t, gw.Providers[0].Weight, gw.Providers[1].Weight)
	assert.Empty(t, gw.HealthCheckPath)
}

func TestConfig_VerificationQueue(t *testing.T) {
	c := &Config{
		QueueName:          "payments:verify",
		QueueConsumerGroup: "verifiers",
		QueueMaxRetries:    4,
	}

	q := c.VerificationQueue()
	assert.Equal(t, "payments:verify", q.Name)
	assert.Equal(t, 4, q.MaxRetries)
	assert.NotEmpty(t, q.ConsumerName)

	c.QueueConsumerName = "verifier-a"
	assert.Equal(t, "verifier-a", c.VerificationQueue().ConsumerName)
}
