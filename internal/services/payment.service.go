package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/reference"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/prom"
)

var (
	ErrInvalidRequest     = model.ErrInvalidRequest
	ErrGatewayUnavailable = gateway.ErrGatewayUnavailable
	ErrGatewayRejected    = errors.New("payment gateway rejected the charge")
	ErrReferenceCollision = errors.New("could not allocate a unique reference")
	ErrUnknownReference   = errors.New("reference unknown to payment gateway")
	ErrNotSettled         = errors.New("transaction not settled")
	ErrOrphanSettlement   = errors.New("settlement has no local transaction")
	ErrNotFound           = errors.New("error notfound")
)

const (
	outcomeInitiated   = "initiated"
	outcomeInvalid     = "invalid"
	outcomeRejected    = "rejected"
	outcomeUnavailable = "unavailable"
	outcomeCollision   = "collision"
	outcomeError       = "error"
	outcomeSettled     = "settled"
	outcomeAlready     = "already_settled"
	outcomeNotSettled  = "not_settled"
	outcomeUnknown     = "unknown"
	outcomeOrphan      = "orphan"

	// one retry after the first collision
	maxInitiateAttempts = 2
)

type TransactionRepository interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	FindByReference(ctx context.Context, reference string) (*model.Transaction, error)
	MarkSettled(ctx context.Context, reference string) (*model.Transaction, bool, error)
	ListSettled(ctx context.Context) ([]*model.Transaction, error)
	ListUnsettledPage(ctx context.Context, q model.UnsettledQuery) ([]*model.Transaction, error)
}

type Gateway interface {
	InitiateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
	CheckStatus(ctx context.Context, reference string) (*gateway.StatusResult, error)
}

// PaymentService drives a donation from charge initiation to settlement.
// It keeps no state between calls; the ledger is the only shared state.
type PaymentService struct {
	ledger   TransactionRepository
	gateway  Gateway
	refs     reference.Generator
	currency string
}

func NewPaymentService(ledger TransactionRepository, gw Gateway, refs reference.Generator, currency string) *PaymentService {
	return &PaymentService{
		ledger:   ledger,
		gateway:  gw,
		refs:     refs,
		currency: strings.ToUpper(currency),
	}
}

// Initiate opens a charge with the processor and records it as unsettled.
// Nothing is written when the processor declines or cannot be reached.
func (s *PaymentService) Initiate(ctx context.Context, req model.DonationRequest) (*model.InitiateResult, error) {
	if err := req.Validate(); err != nil {
		prom.IncPaymentInitiated(outcomeInvalid)
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)

	for attempt := 1; attempt <= maxInitiateAttempts; attempt++ {
		result, err := s.initiateOnce(ctx, req)
		if err == nil {
			prom.IncPaymentInitiated(outcomeInitiated)
			return result, nil
		}
		if errors.Is(err, repository.ErrDuplicateReference) {
			logger.Warn("Reference collision", "attempt", attempt, "email", req.Email)
			continue
		}

		prom.IncPaymentInitiated(initiateOutcome(err))
		return nil, err
	}

	prom.IncPaymentInitiated(outcomeCollision)
	logger.Error("Giving up after repeated reference collisions", "attempts", maxInitiateAttempts)
	return nil, ErrReferenceCollision
}

// initiateOnce runs one full attempt under a fresh reference, so the stored
// reference is always the one the processor holds the charge under.
func (s *PaymentService) initiateOnce(ctx context.Context, req model.DonationRequest) (*model.InitiateResult, error) {
	ref, err := s.refs.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate reference: %w", err)
	}

	charge, err := s.gateway.InitiateCharge(ctx, gateway.ChargeRequest{
		Reference: ref,
		Email:     req.Email,
		PayerName: req.Name,
		Amount:    req.Amount,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidAmount) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
		}
		logger.Warn("Charge initiation failed", "reference", ref, "error", err)
		return nil, err
	}
	if !charge.Accepted {
		logger.Info("Charge rejected", "reference", ref, "message", charge.Message)
		return nil, fmt.Errorf("%w: %s", ErrGatewayRejected, charge.Message)
	}
	if charge.Reference != "" && charge.Reference != ref {
		logger.Warn("Processor echoed a different reference", "reference", ref, "echoed", charge.Reference)
	}

	created, err := s.ledger.Create(ctx, &model.Transaction{
		Reference:  ref,
		PayerName:  req.Name,
		PayerEmail: req.Email,
		Amount:     req.Amount,
		Currency:   s.currency,
		Settled:    false,
	})
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	logger.Info("Donation initiated", "reference", ref, "amount", req.Amount, "currency", s.currency)

	return &model.InitiateResult{
		Reference:        ref,
		AuthorizationURL: charge.AuthorizationURL,
		AccessCode:       charge.AccessCode,
		Transaction:      created,
		ProviderPayload:  charge.Payload,
	}, nil
}

// Verify reconciles the local record with the processor. Verifying an already
// settled record succeeds with Changed=false.
func (s *PaymentService) Verify(ctx context.Context, ref string) (*model.VerifyResult, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		prom.IncPaymentVerified(outcomeInvalid)
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}

	status, err := s.gateway.CheckStatus(ctx, ref)
	if err != nil {
		prom.IncPaymentVerified(outcomeUnavailable)
		if !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
		}
		return nil, err
	}
	if !status.Found {
		prom.IncPaymentVerified(outcomeUnknown)
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
	}
	if !status.Succeeded {
		prom.IncPaymentVerified(outcomeNotSettled)
		return nil, fmt.Errorf("%w: %s: %s", ErrNotSettled, status.Status, status.Diagnostic)
	}

	txn, err := s.ledger.FindByReference(ctx, ref)
	if err != nil {
		prom.IncPaymentVerified(outcomeError)
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	if txn == nil {
		return nil, s.orphan(ref, status)
	}

	result := &model.VerifyResult{
		Transaction:     txn,
		GatewayStatus:   status.Status,
		ProviderPayload: status.Payload,
	}
	if txn.Settled {
		prom.IncPaymentVerified(outcomeAlready)
		return result, nil
	}

	settled, changed, err := s.ledger.MarkSettled(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, s.orphan(ref, status)
		}
		prom.IncPaymentVerified(outcomeError)
		return nil, fmt.Errorf("mark settled: %w", err)
	}
	result.Transaction = settled
	result.Changed = changed

	if changed {
		prom.IncPaymentVerified(outcomeSettled)
		if settled.SettledAt != nil {
			prom.AddSettleLag(settled.SettledAt.Sub(settled.CreatedAt).Seconds())
		}
		logger.Info("Transaction settled", "reference", ref, "amount", settled.Amount, "currency", settled.Currency)
	} else {
		prom.IncPaymentVerified(outcomeAlready)
	}

	return result, nil
}

func (s *PaymentService) orphan(ref string, status *gateway.StatusResult) error {
	prom.IncPaymentVerified(outcomeOrphan)
	prom.IncOrphanSettlement()
	logger.Error("Orphan settlement: processor confirmed a payment with no local transaction",
		"reference", ref, "gateway_status", status.Status, "payload", string(status.Payload))
	return fmt.Errorf("%w: %s", ErrOrphanSettlement, ref)
}

func (s *PaymentService) Get(ctx context.Context, ref string) (*model.Transaction, error) {
	txn, err := s.ledger.FindByReference(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, ErrNotFound
	}
	return txn, nil
}

func (s *PaymentService) ListSettled(ctx context.Context) ([]*model.Transaction, error) {
	return s.ledger.ListSettled(ctx)
}

// ListPending returns the page of unsettled records selected by q.
func (s *PaymentService) ListPending(ctx context.Context, q model.UnsettledQuery) ([]*model.Transaction, error) {
	return s.ledger.ListUnsettledPage(ctx, q)
}

func initiateOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return outcomeInvalid
	case errors.Is(err, ErrGatewayRejected):
		return outcomeRejected
	case errors.Is(err, ErrGatewayUnavailable):
		return outcomeUnavailable
	default:
		return outcomeError
	}
}
