package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/internal/services"
	"github.com/nimasrn/payment-gateway/pkg/logger"
)

var ErrLockHeld = errors.New("lock held by another consumer")

type PaymentVerifier interface {
	Verify(ctx context.Context, ref string) (*model.VerifyResult, error)
}

// VerificationProcessor settles payments from queued verification jobs.
// A nil return ACKs the job; an error NACKs it for redelivery.
type VerificationProcessor struct {
	payments    PaymentVerifier
	idempotency *IdempotencyService
}

func NewVerificationProcessor(payments PaymentVerifier, idempotency *IdempotencyService) *VerificationProcessor {
	return &VerificationProcessor{
		payments:    payments,
		idempotency: idempotency,
	}
}

func (p *VerificationProcessor) GetType() string {
	return "verification"
}

func (p *VerificationProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var job model.VerificationJob
	if err := json.Unmarshal(queueMessage.Data, &job); err != nil {
		// a malformed job never becomes valid
		logger.Error("Failed to unmarshal verification job", "message_id", queueMessage.ID, "error", err)
		return nil
	}

	ref := strings.TrimSpace(job.Reference)
	if ref == "" {
		logger.Warn("Verification job without reference", "message_id", queueMessage.ID)
		return nil
	}

	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, ref)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyProcessed):
			logger.Info("Reference already settled, skipping", "reference", ref)
			return nil
		case errors.Is(err, ErrMaxRetriesExceeded):
			logger.Warn("Verification retries exhausted, leaving for sweeper", "reference", ref)
			return nil
		case errors.Is(err, ErrLockAcquireFailed):
			logger.Info("Lock held by another consumer, will retry", "reference", ref)
			return ErrLockHeld
		default:
			logger.Error("Failed to acquire lock", "reference", ref, "error", err)
			return err
		}
	}
	defer func() {
		if procCtx.lockAcquired {
			_ = p.idempotency.ReleaseLock(ctx, procCtx)
		}
	}()

	logger.Info("Verifying payment",
		"reference", ref,
		"source", job.Source,
		"attempt", queueMessage.Attempts,
		"retry_count", procCtx.RetryCount)

	res, err := p.payments.Verify(ctx, ref)
	switch {
	case err == nil:
		if markErr := p.idempotency.MarkSuccess(ctx, procCtx); markErr != nil {
			logger.Error("Failed to mark success", "reference", ref, "error", markErr)
		}
		logger.Info("Payment settled", "reference", ref, "changed", res.Changed)
		return nil

	case errors.Is(err, services.ErrNotSettled), errors.Is(err, services.ErrGatewayUnavailable):
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("Failed to mark failure", "reference", ref, "error", markErr)
		}
		return fmt.Errorf("verify %s: %w", ref, err)

	case errors.Is(err, services.ErrUnknownReference),
		errors.Is(err, services.ErrOrphanSettlement),
		errors.Is(err, services.ErrInvalidRequest):
		logger.Warn("Verification job dropped", "reference", ref, "error", err)
		return nil

	default:
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("Failed to mark failure", "reference", ref, "error", markErr)
		}
		return err
	}
}
