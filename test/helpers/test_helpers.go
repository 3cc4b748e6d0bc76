package helpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/nimasrn/payment-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB returns an in-memory sqlite ledger with the same handle on
// both the read and the write side.
func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&repository.TransactionEntity{}))

	return pg.New(db, db)
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)

	// adapters are cached by name
	connName := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
	adapter, err := redis.NewRedisAdapter(connName, "e2e:", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestTransaction(t *testing.T, db *pg.DB, ref string, amount int64, settled bool) *repository.TransactionEntity {
	ctx := context.Background()
	txn := &repository.TransactionEntity{
		Reference:  ref,
		PayerName:  "Test Donor",
		PayerEmail: "donor@example.com",
		Amount:     amount,
		Currency:   "GHS",
		Settled:    settled,
		CreatedAt:  time.Now().UTC(),
	}
	if settled {
		now := time.Now().UTC()
		txn.SettledAt = &now
	}
	require.NoError(t, db.Write(ctx).Create(txn).Error)
	return txn
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
