package handlers

import (
	"context"
	"time"

	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
	"github.com/nimasrn/payment-gateway/pkg/logger"
)

// Pinger is any dependency the API cannot serve without.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func RegisterHealthRoutes(e *xhttp.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{
		deps:    deps,
		timeout: 2 * time.Second,
	}
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	pingCtx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Checks: make(map[string]string, len(h.deps))}
	status := xhttp.StatusOK
	for name, dep := range h.deps {
		if err := dep.Ping(pingCtx); err != nil {
			logger.Warn("Health check failed", "dependency", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = xhttp.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(ctx, status, resp)
}
