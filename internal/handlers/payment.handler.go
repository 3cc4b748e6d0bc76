package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/services"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
	"github.com/nimasrn/payment-gateway/pkg/logger"
)

type PaymentService interface {
	Initiate(ctx context.Context, req model.DonationRequest) (*model.InitiateResult, error)
	Verify(ctx context.Context, reference string) (*model.VerifyResult, error)
	Get(ctx context.Context, reference string) (*model.Transaction, error)
	ListSettled(ctx context.Context) ([]*model.Transaction, error)
}

type VerificationQueue interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type PaymentHandler struct {
	svc   PaymentService
	queue VerificationQueue
}

func RegisterPaymentRoutes(e *xhttp.Group, h *PaymentHandler) {
	e.POST("/payments/donate", h.Donate)
	e.GET("/payments/verify", h.Verify)
	e.GET("/payments/callback", h.Callback)
	e.GET("/payments/settled", h.ListSettled)
	e.GET("/payments/{reference}", h.GetPayment)
}

// NewPaymentHandler builds the payment routes. With a nil queue the callback
// verifies inline instead of deferring to the processor.
func NewPaymentHandler(svc PaymentService, queue VerificationQueue) *PaymentHandler {
	return &PaymentHandler{
		svc:   svc,
		queue: queue,
	}
}

type donateRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Amount int64  `json:"amount"`
}

type listResponse struct {
	Items []*model.Transaction `json:"items"`
	Total int64                `json:"total"`
}

type callbackResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	JobID     string `json:"job_id,omitempty"`
}

func (h *PaymentHandler) Donate(ctx *xhttp.RequestCtx) {
	var req donateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	result, err := h.svc.Initiate(ctx, model.DonationRequest{
		Name:   req.Name,
		Email:  req.Email,
		Amount: req.Amount,
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, result)
}

func (h *PaymentHandler) Verify(ctx *xhttp.RequestCtx) {
	h.verify(ctx, query(ctx, "reference"))
}

func (h *PaymentHandler) verify(ctx *xhttp.RequestCtx, ref string) {
	result, err := h.svc.Verify(ctx, ref)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, result)
}

// Callback is where the processor redirects the payer after checkout.
// Paystack sends both reference and trxref.
func (h *PaymentHandler) Callback(ctx *xhttp.RequestCtx) {
	ref := strings.TrimSpace(query(ctx, "reference"))
	if ref == "" {
		ref = strings.TrimSpace(query(ctx, "trxref"))
	}
	if ref == "" {
		writeError(ctx, xhttp.StatusBadRequest, "reference is required")
		return
	}

	if h.queue == nil {
		h.verify(ctx, ref)
		return
	}

	job := model.VerificationJob{
		Reference:   ref,
		Source:      model.JobSourceCallback,
		RequestedAt: time.Now().UTC(),
	}
	id, err := h.queue.PublishJSON(ctx, job, map[string]string{
		"reference":  ref,
		"request_id": xhttp.RequestID(ctx),
	})
	if err != nil {
		logger.Error("Failed to enqueue verification", "reference", ref, "error", err)
		writeError(ctx, xhttp.StatusServiceUnavailable, "could not schedule verification")
		return
	}

	writeJSON(ctx, xhttp.StatusAccepted, callbackResponse{Reference: ref, Status: "queued", JobID: id})
}

func (h *PaymentHandler) ListSettled(ctx *xhttp.RequestCtx) {
	items, err := h.svc.ListSettled(ctx)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	if items == nil {
		items = []*model.Transaction{}
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse{Items: items, Total: int64(len(items))})
}

func (h *PaymentHandler) GetPayment(ctx *xhttp.RequestCtx) {
	ref, _ := ctx.UserValue("reference").(string)
	txn, err := h.svc.Get(ctx, ref)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, txn)
}

// statusForError maps the service error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		return xhttp.StatusBadRequest
	case errors.Is(err, services.ErrGatewayRejected):
		return xhttp.StatusPaymentRequired
	case errors.Is(err, services.ErrReferenceCollision):
		return xhttp.StatusConflict
	case errors.Is(err, services.ErrUnknownReference):
		return xhttp.StatusNotFound
	case errors.Is(err, services.ErrNotSettled):
		return xhttp.StatusConflict
	case errors.Is(err, services.ErrOrphanSettlement):
		return xhttp.StatusInternalServerError
	case errors.Is(err, services.ErrGatewayUnavailable):
		return xhttp.StatusBadGateway
	case errors.Is(err, services.ErrNotFound):
		return xhttp.StatusNotFound
	default:
		return xhttp.StatusInternalServerError
	}
}

func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	status := statusForError(err)
	if status >= xhttp.StatusInternalServerError {
		logger.Error("Payment request failed", "path", string(ctx.Path()), "request_id", xhttp.RequestID(ctx), "error", err)
	}
	msg := err.Error()
	if status == xhttp.StatusInternalServerError && !errors.Is(err, services.ErrOrphanSettlement) {
		msg = xhttp.StatusText(status)
	}
	writeError(ctx, status, msg)
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}
