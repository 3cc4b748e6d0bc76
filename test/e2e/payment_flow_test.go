package e2e

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/payment-gateway/internal/handlers"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/processor"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/internal/reference"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/internal/services"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/nimasrn/payment-gateway/pkg/redis"
	"github.com/nimasrn/payment-gateway/test/fixtures"
	"github.com/nimasrn/payment-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type TestEnvironment struct {
	DB           *pg.DB
	Redis        *miniredis.Miniredis
	RedisAdapter redis.RedisAdapter
	Queue        *queue.Queue
	Paystack     *helpers.FakePaystack
	Ledger       *repository.TransactionRepository
	Payments     *services.PaymentService
	Processor    *processor.ProcessorService
	Sweeper      *processor.Sweeper

	ln     *fasthttputil.InmemoryListener
	client *fasthttp.Client
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db := helpers.SetupTestDB(t)
	mr, adapter := helpers.SetupTestRedis(t)
	paystack := helpers.NewFakePaystack(t)

	queueConfig := queue.QueueConfig{
		Name:              "payments:verify",
		ConsumerGroup:     "verifiers",
		ConsumerName:      "e2e",
		MaxRetries:        50,
		VisibilityTimeout: 100 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
	q, err := queue.NewQueue(adapter, queueConfig)
	require.NoError(t, err)

	ledger := repository.NewTransactionRepository(db)
	payments := services.NewPaymentService(ledger, paystack.Client(t), reference.NewUUIDGenerator("DON-"), "GHS")

	idemConfig := processor.DefaultIdempotencyConfig()
	idemConfig.MaxRetries = 50
	idemConfig.LockTTL = 5 * time.Second
	idem := processor.NewIdempotencyService(adapter, idemConfig)

	proc, err := processor.NewProcessorService(adapter, processor.ServiceConfig{
		Queue:             queueConfig,
		Consumers:         1,
		Workers:           2,
		ProcessingTimeout: 2 * time.Second,
		ReportInterval:    time.Hour,
	})
	require.NoError(t, err)
	proc.RegisterProcessor(processor.NewVerificationProcessor(payments, idem))
	require.NoError(t, proc.Start())

	sweeper := processor.NewSweeper(payments, q, processor.SweeperConfig{
		Interval:    time.Hour,
		GracePeriod: time.Nanosecond,
		BatchSize:   50,
	})

	engine := xhttp.NewServer(xhttp.DefaultServerOption)
	engine.Use(xhttp.RecoverMiddleware)
	engine.Use(xhttp.RequestIDMiddleware)
	engine.Router = xhttp.CreateDefaultRouter()
	g := engine.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, handlers.NewPaymentHandler(payments, q))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": db,
		"redis":    adapter,
	}))

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = engine.Serve(ln) }()

	env := &TestEnvironment{
		DB:           db,
		Redis:        mr,
		RedisAdapter: adapter,
		Queue:        q,
		Paystack:     paystack,
		Ledger:       ledger,
		Payments:     payments,
		Processor:    proc,
		Sweeper:      sweeper,
		ln:           ln,
		client: &fasthttp.Client{
			Dial: func(string) (net.Conn, error) { return ln.Dial() },
		},
	}
	t.Cleanup(env.Cleanup)
	return env
}

func (env *TestEnvironment) Cleanup() {
	env.Processor.Stop()
	_ = env.Queue.Stop(time.Second)
	_ = env.ln.Close()
}

func (env *TestEnvironment) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://api.test" + path)
	req.Header.SetMethod(method)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	require.NoError(t, env.client.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func (env *TestEnvironment) donate(t *testing.T, req model.DonationRequest) string {
	status, body := env.do(t, fasthttp.MethodPost, "/api/v1/payments/donate", map[string]interface{}{
		"name":   req.Name,
		"email":  req.Email,
		"amount": req.Amount,
	})
	require.Equal(t, fasthttp.StatusCreated, status, string(body))

	var result model.InitiateResult
	require.NoError(t, json.Unmarshal(body, &result))
	require.NotEmpty(t, result.Reference)
	return result.Reference
}

func (env *TestEnvironment) settled(t *testing.T, ref string) bool {
	txn, err := env.Ledger.FindByReference(context.Background(), ref)
	require.NoError(t, err)
	return txn != nil && txn.Settled
}

func TestE2E_DonateCreatesPendingRecord(t *testing.T) {
	env := setupE2EEnvironment(t)

	ref := env.donate(t, fixtures.DonationValid())

	txn, err := env.Ledger.FindByReference(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.False(t, txn.Settled)
	assert.Nil(t, txn.SettledAt)
	assert.Equal(t, int64(50), txn.Amount)
	assert.Equal(t, "GHS", txn.Currency)
	assert.Equal(t, "ama@example.com", txn.PayerEmail)

	status, body := env.do(t, fasthttp.MethodGet, "/api/v1/payments/"+ref, nil)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), ref)
}

func TestE2E_InvalidDonationCreatesNothing(t *testing.T) {
	env := setupE2EEnvironment(t)

	for _, req := range []model.DonationRequest{fixtures.DonationZeroAmount(), fixtures.DonationBadEmail()} {
		status, _ := env.do(t, fasthttp.MethodPost, "/api/v1/payments/donate", map[string]interface{}{
			"name":   req.Name,
			"email":  req.Email,
			"amount": req.Amount,
		})
		assert.Equal(t, fasthttp.StatusBadRequest, status)
	}

	pending, err := env.Payments.ListPending(context.Background(), model.UnsettledQuery{
		CreatedBefore: time.Now().Add(time.Hour),
		Limit:         100,
	})
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, int32(0), env.Paystack.Calls.Load())
}

func TestE2E_CallbackSettlesThroughQueue(t *testing.T) {
	env := setupE2EEnvironment(t)

	ref := env.donate(t, fixtures.DonationValid())

	status, body := env.do(t, fasthttp.MethodGet, "/api/v1/payments/callback?trxref="+ref+"&reference="+ref, nil)
	require.Equal(t, fasthttp.StatusAccepted, status, string(body))

	// not paid yet, so the job keeps coming back
	helpers.AssertEventually(t, 3*time.Second, func() bool {
		return env.Processor.Metrics().TotalFailed >= 1
	}, "verification job was never attempted")
	assert.False(t, env.settled(t, ref))

	env.Paystack.Pay(ref)

	helpers.AssertEventually(t, 5*time.Second, func() bool {
		return env.settled(t, ref)
	}, "payment was not settled after the processor confirmed it")

	status, body = env.do(t, fasthttp.MethodGet, "/api/v1/payments/settled", nil)
	require.Equal(t, fasthttp.StatusOK, status)
	var list struct {
		Items []model.Transaction `json:"items"`
		Total int64               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, int64(1), list.Total)
	assert.Equal(t, ref, list.Items[0].Reference)
	assert.NotNil(t, list.Items[0].SettledAt)
}

func TestE2E_DirectVerify(t *testing.T) {
	env := setupE2EEnvironment(t)

	ref := env.donate(t, fixtures.DonationValid())

	status, _ := env.do(t, fasthttp.MethodGet, "/api/v1/payments/verify?reference="+ref, nil)
	assert.Equal(t, fasthttp.StatusConflict, status)
	assert.False(t, env.settled(t, ref))

	env.Paystack.Pay(ref)

	status, body := env.do(t, fasthttp.MethodGet, "/api/v1/payments/verify?reference="+ref, nil)
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	var first model.VerifyResult
	require.NoError(t, json.Unmarshal(body, &first))
	assert.True(t, first.Changed)
	require.NotNil(t, first.Transaction.SettledAt)

	status, body = env.do(t, fasthttp.MethodGet, "/api/v1/payments/verify?reference="+ref, nil)
	require.Equal(t, fasthttp.StatusOK, status)
	var second model.VerifyResult
	require.NoError(t, json.Unmarshal(body, &second))
	assert.False(t, second.Changed)
	assert.True(t, first.Transaction.SettledAt.Equal(*second.Transaction.SettledAt))
}

func TestE2E_DeclinedPaymentStaysPending(t *testing.T) {
	env := setupE2EEnvironment(t)

	ref := env.donate(t, fixtures.DonationAnonymous())
	env.Paystack.Decline(ref)

	status, body := env.do(t, fasthttp.MethodGet, "/api/v1/payments/verify?reference="+ref, nil)
	assert.Equal(t, fasthttp.StatusConflict, status)
	assert.Contains(t, string(body), "failed")
	assert.False(t, env.settled(t, ref))
}

func TestE2E_UnknownAndOrphanReferences(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, _ := env.do(t, fasthttp.MethodGet, "/api/v1/payments/verify?reference=DON-nowhere", nil)
	assert.Equal(t, fasthttp.StatusNotFound, status)

	// paid at the processor, never recorded here
	env.Paystack.Pay("DON-ghost")
	status, body := env.do(t, fasthttp.MethodGet, "/api/v1/payments/verify?reference=DON-ghost", nil)
	assert.Equal(t, fasthttp.StatusInternalServerError, status)
	assert.Contains(t, string(body), "settlement has no local transaction")

	txn, err := env.Ledger.FindByReference(context.Background(), "DON-ghost")
	require.NoError(t, err)
	assert.Nil(t, txn)
}

func TestE2E_SweeperRecoversMissedCallback(t *testing.T) {
	env := setupE2EEnvironment(t)

	ref := env.donate(t, fixtures.DonationValid())
	env.Paystack.Pay(ref)

	queued, err := env.Sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	helpers.AssertEventually(t, 5*time.Second, func() bool {
		return env.settled(t, ref)
	}, "sweeper job did not settle the payment")

	queued, err = env.Sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestE2E_Health(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, body := env.do(t, fasthttp.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), `"redis":"ok"`)
	assert.Contains(t, string(body), `"postgres":"ok"`)
}
