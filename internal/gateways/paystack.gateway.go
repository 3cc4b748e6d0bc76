package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/prom"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

var (
	ErrNoAvailableProviders = errors.New("no available providers")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrMissingSecretKey     = errors.New("payment gateway secret key is required")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
	StatusPending   = "pending"
	StatusOngoing   = "ongoing"

	opInitialize = "initialize"
	opVerify     = "verify"
	opHealth     = "health"

	minorUnitsPerMajor = 100
)

type ChargeRequest struct {
	Reference string
	Email     string
	PayerName string
	// Amount in major currency units.
	Amount int64
}

type ChargeResult struct {
	// Accepted is false when the processor answered and declined the charge.
	Accepted         bool
	Message          string
	Reference        string
	AuthorizationURL string
	AccessCode       string
	Payload          []byte
}

type StatusResult struct {
	// Found is false when the processor has no charge under the reference.
	Found      bool
	Succeeded  bool
	Status     string
	Diagnostic string
	Payload    []byte
}

type initializeRequest struct {
	Email       string            `json:"email"`
	Amount      string            `json:"amount"`
	Reference   string            `json:"reference"`
	Currency    string            `json:"currency,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	GatewayResponse string `json:"gateway_response"`
}

type Config struct {
	SecretKey   string
	Currency    string
	CallbackURL string

	Providers               []ProviderConfig
	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	MaxConns                int
	ReadBufferSize          int
	WriteBufferSize         int
	HealthCheckPath         string
	HealthCheckInterval     time.Duration
	EvaluationInterval      time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	// Dial overrides how connections are opened. Nil uses fasthttp's default dialer.
	Dial fasthttp.DialFunc
}

type ProviderConfig struct {
	Name   string
	URL    string
	Weight int // 1-100
}

// Client talks to a Paystack-compatible processor over one or more base URLs,
// routing each request to the best scoring provider.
type Client struct {
	config    *Config
	providers []*Provider
	mu        sync.RWMutex
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if strings.TrimSpace(config.SecretKey) == "" {
		return nil, ErrMissingSecretKey
	}
	if len(config.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = 30 * time.Second
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = 30 * time.Second
	}

	client := &Client{
		config:    config,
		providers: make([]*Provider, 0, len(config.Providers)),
		stopCh:    make(chan struct{}),
	}

	for _, pc := range config.Providers {
		httpClient := &fasthttp.Client{
			Name:                "payment-gateway",
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
			Dial:                config.Dial,
		}

		provider := NewProvider(pc.Name, strings.TrimRight(pc.URL, "/"), pc.Weight, httpClient)
		client.providers = append(client.providers, provider)

		logger.Info("Provider initialized", "name", pc.Name, "url", pc.URL, "weight", pc.Weight)
	}

	if config.HealthCheckPath != "" && config.HealthCheckInterval > 0 {
		client.wg.Add(1)
		go client.healthChecker()
	}
	client.wg.Add(1)
	go client.metricsCollector()

	logger.Info("Gateway client initialized", "providers", len(client.providers), "timeout", config.Timeout, "currency", config.Currency)

	return client, nil
}

// ToMinorUnits converts a major-unit amount to the processor's minor-unit string.
func ToMinorUnits(amount int64) string {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(minorUnitsPerMajor)).String()
}

func (c *Client) SelectBestProvider() (*Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Provider
	var bestScore float64

	for _, provider := range c.providers {
		if !provider.IsAvailable() {
			continue
		}
		score := provider.CalculateScore()
		if best == nil || score > bestScore {
			bestScore = score
			best = provider
		}
	}

	if best == nil {
		return nil, ErrNoAvailableProviders
	}

	logger.Debug("Selected provider", "provider", best.name, "score", bestScore)
	return best, nil
}

// InitiateCharge asks the processor to open a charge under req.Reference.
// A processor refusal is reported through ChargeResult.Accepted, an error
// always wraps ErrGatewayUnavailable unless the request itself is invalid.
func (c *Client) InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	payload := initializeRequest{
		Email:       req.Email,
		Amount:      ToMinorUnits(req.Amount),
		Reference:   req.Reference,
		Currency:    c.config.Currency,
		CallbackURL: c.config.CallbackURL,
	}
	if req.PayerName != "" {
		payload.Metadata = map[string]string{"payer_name": req.PayerName}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	status, resp, err := c.execute(ctx, opInitialize, fasthttp.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(resp, &env); err != nil {
		if status >= fasthttp.StatusBadRequest {
			return &ChargeResult{Accepted: false, Message: string(resp), Payload: resp}, nil
		}
		return nil, fmt.Errorf("%w: malformed initialize response: %v", ErrGatewayUnavailable, err)
	}

	if status >= fasthttp.StatusMultipleChoices || !env.Status {
		logger.Warn("Charge declined by processor", "reference", req.Reference, "status_code", status, "message", env.Message)
		return &ChargeResult{Accepted: false, Message: env.Message, Payload: resp}, nil
	}

	var data initializeData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: malformed initialize data: %v", ErrGatewayUnavailable, err)
		}
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}

	return &ChargeResult{
		Accepted:         true,
		Message:          env.Message,
		Reference:        data.Reference,
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Payload:          resp,
	}, nil
}

// CheckStatus queries the processor for the charge under reference.
func (c *Client) CheckStatus(ctx context.Context, reference string) (*StatusResult, error) {
	path := "/transaction/verify/" + url.PathEscape(reference)
	status, resp, err := c.execute(ctx, opVerify, fasthttp.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var env envelope
	decodeErr := json.Unmarshal(resp, &env)
	if decodeErr != nil {
		env.Message = string(resp)
	}

	if status >= fasthttp.StatusBadRequest {
		if referenceNotFound(status, env.Message) {
			return &StatusResult{Found: false, Diagnostic: env.Message, Payload: resp}, nil
		}
		// Auth, permission and rate limit answers say nothing about the charge.
		logger.Warn("Verify rejected by processor", "reference", reference, "status_code", status, "message", env.Message)
		return nil, fmt.Errorf("%w: verify answered %d: %s", ErrGatewayUnavailable, status, env.Message)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: malformed verify response: %v", ErrGatewayUnavailable, decodeErr)
	}
	if !env.Status {
		return &StatusResult{Found: false, Diagnostic: env.Message, Payload: resp}, nil
	}

	var data verifyData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: malformed verify data: %v", ErrGatewayUnavailable, err)
		}
	}

	diagnostic := data.GatewayResponse
	if diagnostic == "" {
		diagnostic = env.Message
	}

	return &StatusResult{
		Found:      true,
		Succeeded:  data.Status == StatusSuccess,
		Status:     data.Status,
		Diagnostic: diagnostic,
		Payload:    resp,
	}, nil
}

// referenceNotFound reports whether a 4xx verify answer means the processor
// holds no charge under the reference.
func referenceNotFound(status int, message string) bool {
	switch status {
	case fasthttp.StatusNotFound:
		return true
	case fasthttp.StatusBadRequest:
		return strings.Contains(strings.ToLower(message), "not found")
	}
	return false
}

// execute runs the request against the best provider, retrying transport
// failures and 5xx answers. Any other status is returned to the caller.
func (c *Client) execute(ctx context.Context, operation, method, path string, body []byte) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, ctx.Err())
			case <-time.After(c.config.RetryDelay):
			}
		}

		provider, err := c.SelectBestProvider()
		if err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		status, resp, err := c.doRequest(ctx, provider, method, path, body)
		latency := time.Since(start)
		prom.AddGatewayRequestDuration(latency.Seconds(), operation, provider.name)

		if err == nil && status >= fasthttp.StatusInternalServerError {
			err = fmt.Errorf("unexpected status code: %d, body: %s", status, resp)
		}
		if err != nil {
			provider.metrics.RecordFailure()
			c.checkCircuitBreaker(provider)

			logger.Warn("Gateway request failed", "error", err, "operation", operation, "provider", provider.name, "attempt", attempt+1)

			lastErr = err
			continue
		}

		provider.metrics.RecordSuccess(latency.Milliseconds())
		logger.Debug("Gateway request done", "operation", operation, "provider", provider.name, "status_code", status, "latency_ms", latency.Milliseconds())

		return status, resp, nil
	}

	return 0, nil, fmt.Errorf("%w: failed after %d attempts: %v", ErrGatewayUnavailable, c.config.MaxRetries+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, provider *Provider, method, path string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(provider.url + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.config.SecretKey)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := provider.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return resp.StatusCode(), result, nil
}

func (c *Client) checkCircuitBreaker(provider *Provider) {
	consecutiveFails := provider.metrics.ConsecutiveFails.Load()
	if consecutiveFails >= int32(c.config.CircuitBreakerThreshold) {
		provider.SetState(StateCircuitOpen)
		provider.circuitOpenUntil.Store(time.Now().Add(c.config.CircuitBreakerTimeout).Unix())

		logger.Warn("Circuit breaker opened", "provider", provider.name, "consecutive_fails", consecutiveFails, "timeout", c.config.CircuitBreakerTimeout)
	}
}

func (c *Client) healthChecker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performHealthChecks()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) performHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	c.mu.RLock()
	providers := make([]*Provider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, provider := range providers {
		healthy := c.checkProviderHealth(ctx, provider)
		provider.lastHealthCheck.Store(time.Now().Unix())

		oldState := provider.GetState()
		newState := oldState
		if healthy {
			if oldState == StateUnhealthy || oldState == StateDegraded {
				newState = StateHealthy
			}
		} else if oldState != StateCircuitOpen {
			newState = StateUnhealthy
		}

		if newState != oldState {
			provider.SetState(newState)
			logger.Info("Provider state changed", "provider", provider.name, "old_state", oldState.String(), "new_state", newState.String())
		}
	}
}

func (c *Client) checkProviderHealth(ctx context.Context, provider *Provider) bool {
	start := time.Now()
	status, _, err := c.doRequest(ctx, provider, fasthttp.MethodGet, c.config.HealthCheckPath, nil)
	prom.AddGatewayRequestDuration(time.Since(start).Seconds(), opHealth, provider.name)
	return err == nil && status == fasthttp.StatusOK
}

func (c *Client) metricsCollector() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evaluateProviders()
		case <-c.stopCh:
			return
		}
	}
}

// evaluateProviders degrades slow or failing providers and restores recovered ones.
func (c *Client) evaluateProviders() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, provider := range c.providers {
		state := provider.GetState()
		if state == StateCircuitOpen || state == StateUnhealthy {
			continue
		}

		successRate := provider.metrics.SuccessRate()
		avgLatency := provider.metrics.AvgLatencyMs()

		if successRate < 0.8 || avgLatency > 5000 {
			if state != StateDegraded {
				provider.SetState(StateDegraded)
				logger.Warn("Provider degraded", "provider", provider.name, "success_rate", successRate, "avg_latency_ms", avgLatency)
			}
		} else if successRate > 0.95 && avgLatency < 2000 {
			if state != StateHealthy {
				provider.SetState(StateHealthy)
				logger.Info("Provider recovered to healthy state", "provider", provider.name)
			}
		}
	}
}

func (c *Client) GetProviderStats() []ProviderStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]ProviderStats, 0, len(c.providers))
	for _, provider := range c.providers {
		stats = append(stats, provider.Stats())
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Score > stats[j].Score
	})

	return stats
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		logger.Info("Gateway client closed")
	})
	return nil
}
