package model

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ErrInvalidRequest marks caller input that violates a precondition.
var ErrInvalidRequest = errors.New("invalid request")

// Transaction is one donation payment attempt the processor accepted.
// Only Settled and SettledAt ever change after creation, and Settled only
// moves from false to true.
type Transaction struct {
	ID         int64      `json:"id"`
	Reference  string     `json:"reference"`
	PayerName  string     `json:"payer_name"`
	PayerEmail string     `json:"payer_email"`
	Amount     int64      `json:"amount"`
	Currency   string     `json:"currency"`
	Settled    bool       `json:"settled"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// DonationRequest is the input of PaymentService.Initiate.
type DonationRequest struct {
	Name   string
	Email  string
	Amount int64
}

func (r DonationRequest) Validate() error {
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	email := strings.TrimSpace(r.Email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: email is malformed", ErrInvalidRequest)
	}
	return nil
}

// InitiateResult is what the caller needs to send the payer to the processor.
type InitiateResult struct {
	Reference        string       `json:"reference"`
	AuthorizationURL string       `json:"authorization_url"`
	AccessCode       string       `json:"access_code"`
	Transaction      *Transaction `json:"transaction"`
	ProviderPayload  []byte       `json:"-"`
}

// VerifyResult carries the reconciled record. Changed is true only for the
// call that moved the record to settled.
type VerifyResult struct {
	Transaction     *Transaction `json:"transaction"`
	Changed         bool         `json:"changed"`
	GatewayStatus   string       `json:"gateway_status"`
	ProviderPayload []byte       `json:"-"`
}

// UnsettledQuery selects a page of unsettled records. Zero CreatedAfter and
// AfterID leave the window open at the old end.
type UnsettledQuery struct {
	CreatedBefore time.Time
	CreatedAfter  time.Time
	AfterID       int64
	Limit         int
}

// VerificationJob asks the reconciliation processor to verify one reference.
type VerificationJob struct {
	Reference   string    `json:"reference"`
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}

const (
	JobSourceCallback = "callback"
	JobSourceSweeper  = "sweeper"
	JobSourceManual   = "manual"
)
