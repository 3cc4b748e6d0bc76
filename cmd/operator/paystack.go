package main

import (
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	StatusAbandoned = "abandoned"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
)

type InitializeRequest struct {
	Email       string            `json:"email" binding:"required"`
	Amount      string            `json:"amount" binding:"required"`
	Reference   string            `json:"reference" binding:"required"`
	Currency    string            `json:"currency"`
	CallbackURL string            `json:"callback_url"`
	Metadata    map[string]string `json:"metadata"`
}

type envelope struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Reference       string     `json:"reference"`
	Status          string     `json:"status"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	GatewayResponse string     `json:"gateway_response"`
	PaidAt          *time.Time `json:"paid_at"`
	CreatedAt       time.Time  `json:"created_at"`
	Customer        customer   `json:"customer"`
}

type customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type charge struct {
	Reference   string
	AccessCode  string
	Email       string
	Name        string
	Amount      decimal.Decimal
	Currency    string
	CallbackURL string
	Status      string
	Response    string
	PaidAt      *time.Time
	CreatedAt   time.Time
}

// MockProcessor is an in-memory stand-in for the Paystack transaction API.
// Charges stay abandoned until the payer opens the checkout page, which
// settles them according to successRate.
type MockProcessor struct {
	mu          sync.Mutex
	secretKey   string
	publicURL   string
	successRate float64
	rng         *rand.Rand
	charges     map[string]*charge
	byCode      map[string]string
	operatorID  string
}

func NewMockProcessor(secretKey, publicURL string, successRate float64) *MockProcessor {
	return &MockProcessor{
		secretKey:   secretKey,
		publicURL:   strings.TrimRight(publicURL, "/"),
		successRate: successRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		charges:     make(map[string]*charge),
		byCode:      make(map[string]string),
		operatorID:  "MOCK_PAYSTACK_" + uuid.New().String()[:8],
	}
}

func (m *MockProcessor) authorized(c *gin.Context) bool {
	if m.secretKey == "" {
		return true
	}
	if c.GetHeader("Authorization") == "Bearer "+m.secretKey {
		return true
	}
	c.JSON(http.StatusUnauthorized, envelope{Status: false, Message: "Invalid key"})
	return false
}

func (m *MockProcessor) Initialize(c *gin.Context) {
	if !m.authorized(c) {
		return
	}

	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Status: false, Message: "Invalid request: " + err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		c.JSON(http.StatusBadRequest, envelope{Status: false, Message: "Invalid Amount Sent"})
		return
	}
	if !strings.Contains(req.Email, "@") {
		c.JSON(http.StatusBadRequest, envelope{Status: false, Message: "Invalid Email Address Passed"})
		return
	}

	m.mu.Lock()
	if _, ok := m.charges[req.Reference]; ok {
		m.mu.Unlock()
		c.JSON(http.StatusBadRequest, envelope{Status: false, Message: "Duplicate Transaction Reference"})
		return
	}
	code := strings.ReplaceAll(uuid.New().String(), "-", "")[:15]
	currency := req.Currency
	if currency == "" {
		currency = "NGN"
	}
	m.charges[req.Reference] = &charge{
		Reference:   req.Reference,
		AccessCode:  code,
		Email:       req.Email,
		Name:        req.Metadata["payer_name"],
		Amount:      amount,
		Currency:    currency,
		CallbackURL: req.CallbackURL,
		Status:      StatusAbandoned,
		CreatedAt:   time.Now().UTC(),
	}
	m.byCode[code] = req.Reference
	m.mu.Unlock()

	log.Info().
		Str("reference", req.Reference).
		Str("amount", amount.String()).
		Str("currency", currency).
		Msg("Transaction initialized")

	c.JSON(http.StatusOK, envelope{
		Status:  true,
		Message: "Authorization URL created",
		Data: initializeData{
			AuthorizationURL: m.publicURL + "/checkout/" + code,
			AccessCode:       code,
			Reference:        req.Reference,
		},
	})
}

func (m *MockProcessor) Verify(c *gin.Context) {
	if !m.authorized(c) {
		return
	}

	ref := c.Param("reference")

	m.mu.Lock()
	ch, ok := m.charges[ref]
	var data verifyData
	if ok {
		data = verifyData{
			Reference:       ch.Reference,
			Status:          ch.Status,
			Amount:          ch.Amount.IntPart(),
			Currency:        ch.Currency,
			GatewayResponse: ch.Response,
			PaidAt:          ch.PaidAt,
			CreatedAt:       ch.CreatedAt,
			Customer:        customer{Email: ch.Email, Name: ch.Name},
		}
	}
	m.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, envelope{Status: false, Message: "Transaction reference not found"})
		return
	}

	c.JSON(http.StatusOK, envelope{Status: true, Message: "Verification successful", Data: data})
}

// Checkout plays the payer: it settles the charge and redirects to the
// merchant callback the way the hosted page does.
func (m *MockProcessor) Checkout(c *gin.Context) {
	code := c.Param("access_code")

	m.mu.Lock()
	ref, ok := m.byCode[code]
	if !ok {
		m.mu.Unlock()
		c.JSON(http.StatusNotFound, envelope{Status: false, Message: "Access code not found"})
		return
	}
	ch := m.charges[ref]
	if ch.Status == StatusAbandoned {
		m.settle(ch, m.rng.Float64() < m.successRate)
	}
	status, callback := ch.Status, ch.CallbackURL
	m.mu.Unlock()

	log.Info().Str("reference", ref).Str("status", status).Msg("Checkout completed")

	if callback == "" {
		c.JSON(http.StatusOK, envelope{Status: true, Message: status, Data: gin.H{"reference": ref}})
		return
	}

	target, err := url.Parse(callback)
	if err != nil {
		c.JSON(http.StatusOK, envelope{Status: true, Message: status, Data: gin.H{"reference": ref}})
		return
	}
	q := target.Query()
	q.Set("trxref", ref)
	q.Set("reference", ref)
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// Settle forces the outcome of a charge. Used by tests and demos.
func (m *MockProcessor) Settle(c *gin.Context) {
	var body struct {
		Status string `json:"status" binding:"required,oneof=success failed"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Status: false, Message: "Invalid request: " + err.Error()})
		return
	}

	ref := c.Param("reference")
	m.mu.Lock()
	ch, ok := m.charges[ref]
	if ok {
		m.settle(ch, body.Status == StatusSuccess)
	}
	m.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, envelope{Status: false, Message: "Transaction reference not found"})
		return
	}
	c.JSON(http.StatusOK, envelope{Status: true, Message: "Transaction updated"})
}

func (m *MockProcessor) settle(ch *charge, succeeded bool) {
	if succeeded {
		now := time.Now().UTC()
		ch.Status = StatusSuccess
		ch.Response = "Approved"
		ch.PaidAt = &now
		return
	}
	ch.Status = StatusFailed
	ch.Response = "Declined by bank"
}

func (m *MockProcessor) HealthCheck(c *gin.Context) {
	m.mu.Lock()
	count := len(m.charges)
	m.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"operator_id":  m.operatorID,
		"timestamp":    time.Now(),
		"success_rate": m.successRate,
		"charges":      count,
	})
}

func (m *MockProcessor) UpdateConfig(c *gin.Context) {
	var config struct {
		SuccessRate *float64 `json:"success_rate"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Status: false, Message: "Invalid request: " + err.Error()})
		return
	}

	m.mu.Lock()
	if config.SuccessRate != nil && *config.SuccessRate >= 0 && *config.SuccessRate <= 1.0 {
		m.successRate = *config.SuccessRate
		log.Info().Float64("rate", *config.SuccessRate).Msg("Updated success rate")
	}
	rate := m.successRate
	m.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"message": "Configuration updated", "success_rate": rate})
}

func SetupRouter(m *MockProcessor) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	router.POST("/transaction/initialize", m.Initialize)
	router.GET("/transaction/verify/:reference", m.Verify)
	router.GET("/checkout/:access_code", m.Checkout)
	router.POST("/mock/transactions/:reference/settle", m.Settle)
	router.PUT("/mock/config", m.UpdateConfig)
	router.GET("/health", m.HealthCheck)

	return router
}
