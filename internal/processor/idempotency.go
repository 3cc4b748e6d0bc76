package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("reference already settled")
	ErrLockAcquireFailed  = errors.New("failed to acquire processing lock")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

type IdempotencyConfig struct {
	// LockTTL bounds how long a crashed worker can block a reference.
	LockTTL time.Duration

	ProcessedTTL time.Duration

	// RetryTTL is how long failed attempts are remembered. Keep it below the
	// sweeper grace period so swept jobs are not dropped on arrival.
	RetryTTL time.Duration

	MaxRetries int

	RetryKeyPrefix     string
	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		RetryTTL:           10 * time.Minute,
		MaxRetries:         5,
		RetryKeyPrefix:     "verify:retry:",
		LockKeyPrefix:      "verify:lock:",
		ProcessedKeyPrefix: "verify:settled:",
	}
}

// IdempotencyService keeps verification of one reference single-flight across
// consumers and remembers references that are already settled.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

type ProcessingContext struct {
	Key          string
	RetryCount   int
	IsRetry      bool
	lockAcquired bool
	lockValue    []byte
}

func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, key string) (*ProcessingContext, error) {
	exists, err := s.redis.Exist(ctx, s.config.ProcessedKeyPrefix+key)
	if err != nil {
		// settlement is idempotent in the ledger, so a failed check only costs a call
		logger.Warn("Failed to check processed marker", "key", key, "error", err)
	} else if exists > 0 {
		return nil, ErrAlreadyProcessed
	}

	retryCount, err := s.GetRetryCount(ctx, key)
	if err != nil {
		logger.Warn("Failed to read retry counter", "key", key, "error", err)
	}
	if s.config.MaxRetries > 0 && retryCount >= s.config.MaxRetries {
		return nil, fmt.Errorf("%w: key=%s, retries=%d", ErrMaxRetriesExceeded, key, retryCount)
	}

	lockValue := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	acquired, err := s.redis.SetNX(ctx, s.config.LockKeyPrefix+key, lockValue, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	logger.Debug("Processing lock acquired", "key", key, "retry_count", retryCount, "lock_ttl", s.config.LockTTL)

	return &ProcessingContext{
		Key:          key,
		RetryCount:   retryCount,
		IsRetry:      retryCount > 0,
		lockAcquired: true,
		lockValue:    lockValue,
	}, nil
}

// MarkSuccess records the reference as settled and clears lock and counter.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	if err := s.redis.Set(ctx, s.config.ProcessedKeyPrefix+pc.Key, []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("failed to mark as processed: %w", err)
	}

	if err := s.redis.Del(ctx, s.config.LockKeyPrefix+pc.Key, s.config.RetryKeyPrefix+pc.Key); err != nil {
		logger.Warn("Failed to clean up idempotency keys", "key", pc.Key, "error", err)
	}
	pc.lockAcquired = false

	return nil
}

// MarkFailure bumps the retry counter and releases the lock so a redelivery can run.
func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	next := pc.RetryCount + 1
	if err := s.redis.Set(ctx, s.config.RetryKeyPrefix+pc.Key, []byte(strconv.Itoa(next)), s.config.RetryTTL); err != nil {
		logger.Error("Failed to increment retry counter", "key", pc.Key, "error", err)
	}

	err := s.ReleaseLock(ctx, pc)

	logger.Warn("Verification attempt failed",
		"key", pc.Key,
		"retry_count", next,
		"max_retries", s.config.MaxRetries,
		"reason", reason)

	return err
}

func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}

	if err := s.redis.Del(ctx, s.config.LockKeyPrefix+pc.Key); err != nil {
		logger.Warn("Failed to release lock", "key", pc.Key, "error", err)
		return err
	}

	pc.lockAcquired = false
	return nil
}

func (s *IdempotencyService) GetRetryCount(ctx context.Context, key string) (int, error) {
	raw, err := s.redis.Get(ctx, s.config.RetryKeyPrefix+key)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return 0, nil
		}
		return 0, err
	}

	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, key string) (bool, error) {
	exists, err := s.redis.Exist(ctx, s.config.ProcessedKeyPrefix+key)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
