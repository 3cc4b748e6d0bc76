package processor

import (
	"context"
	"sync"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/logger"
)

type PendingLister interface {
	ListPending(ctx context.Context, q model.UnsettledQuery) ([]*model.Transaction, error)
}

type JobPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type SweeperConfig struct {
	Interval    time.Duration
	GracePeriod time.Duration
	// MaxAge drops records older than this from the sweep; declined and
	// abandoned charges stay unsettled forever.
	MaxAge    time.Duration
	BatchSize int
}

// Sweeper re-queues verification for payments whose callback never arrived.
// Each sweep resumes after the last id it queued and wraps to the start once
// a page comes back short.
type Sweeper struct {
	payments  PendingLister
	publisher JobPublisher
	config    SweeperConfig
	now       func() time.Time

	mu     sync.Mutex
	cursor int64
}

func NewSweeper(payments PendingLister, publisher JobPublisher, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 15 * time.Minute
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 48 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	return &Sweeper{
		payments:  payments,
		publisher: publisher,
		config:    config,
		now:       time.Now,
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("Sweeper started", "interval", s.config.Interval, "grace_period", s.config.GracePeriod, "max_age", s.config.MaxAge)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.Error("Sweep failed", "error", err)
			}
		case <-ctx.Done():
			logger.Info("Sweeper stopped")
			return
		}
	}
}

// SweepOnce publishes one job per stale unsettled payment and returns how many
// were queued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pending, err := s.payments.ListPending(ctx, model.UnsettledQuery{
		CreatedBefore: now.Add(-s.config.GracePeriod),
		CreatedAfter:  now.Add(-s.config.MaxAge),
		AfterID:       s.cursor,
		Limit:         s.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	if len(pending) < s.config.BatchSize {
		s.cursor = 0
	} else {
		s.cursor = pending[len(pending)-1].ID
	}

	queued := 0
	for _, txn := range pending {
		job := model.VerificationJob{
			Reference:   txn.Reference,
			Source:      model.JobSourceSweeper,
			RequestedAt: now.UTC(),
		}
		if _, err := s.publisher.PublishJSON(ctx, job, map[string]string{"reference": txn.Reference}); err != nil {
			logger.Warn("Failed to queue sweep job", "reference", txn.Reference, "error", err)
			continue
		}
		queued++
	}

	if len(pending) > 0 {
		logger.Info("Sweep complete", "pending", len(pending), "queued", queued, "cursor", s.cursor)
	}
	return queued, nil
}
