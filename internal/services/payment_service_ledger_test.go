package services

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/reference"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeProcessor is an in-process stand-in for the payment processor.
type fakeProcessor struct {
	mu       sync.Mutex
	statuses map[string]string
	checks   int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{statuses: make(map[string]string)}
}

func (f *fakeProcessor) InitiateCharge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[req.Reference] = gateway.StatusPending
	return accepted(req.Reference), nil
}

func (f *fakeProcessor) CheckStatus(_ context.Context, ref string) (*gateway.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	status, ok := f.statuses[ref]
	if !ok {
		return &gateway.StatusResult{Found: false}, nil
	}
	return &gateway.StatusResult{
		Found:      true,
		Succeeded:  status == gateway.StatusSuccess,
		Status:     status,
		Diagnostic: "gateway says " + status,
	}, nil
}

func (f *fakeProcessor) set(ref, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = status
}

func setupLedger(t *testing.T) *repository.TransactionRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&repository.TransactionEntity{}))

	return repository.NewTransactionRepository(pg.New(db, db))
}

func newLedgerService(t *testing.T) (*PaymentService, *repository.TransactionRepository, *fakeProcessor) {
	ledger := setupLedger(t)
	processor := newFakeProcessor()
	return NewPaymentService(ledger, processor, reference.NewUUIDGenerator("DON-"), "GHS"), ledger, processor
}

func TestPaymentFlow_InitiateThenFind(t *testing.T) {
	service, ledger, _ := newLedgerService(t)
	ctx := context.Background()

	for _, req := range []model.DonationRequest{
		{Name: "Ama", Email: "ama@x.com", Amount: 50},
		{Name: "", Email: "kofi@example.org", Amount: 1},
		{Name: "Esi", Email: " esi@example.com ", Amount: 1000000},
	} {
		result, err := service.Initiate(ctx, req)
		require.NoError(t, err)

		found, err := ledger.FindByReference(ctx, result.Reference)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.False(t, found.Settled)
		assert.Equal(t, req.Amount, found.Amount)
		assert.Equal(t, "GHS", found.Currency)
		assert.Equal(t, result.Transaction.ID, found.ID)
	}
}

func TestPaymentFlow_InvalidRequestCreatesNothing(t *testing.T) {
	service, ledger, _ := newLedgerService(t)
	ctx := context.Background()

	_, err := service.Initiate(ctx, model.DonationRequest{Name: "Ama", Email: "ama@x.com", Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = service.Initiate(ctx, model.DonationRequest{Name: "Ama", Email: "", Amount: 10})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	pending, err := ledger.ListUnsettled(ctx, farFuture(), 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPaymentFlow_PendingThenSuccess(t *testing.T) {
	service, ledger, processor := newLedgerService(t)
	ctx := context.Background()

	initiated, err := service.Initiate(ctx, model.DonationRequest{Name: "Ama", Email: "ama@x.com", Amount: 50})
	require.NoError(t, err)
	ref := initiated.Reference

	_, err = service.Verify(ctx, ref)
	assert.ErrorIs(t, err, ErrNotSettled)

	found, err := ledger.FindByReference(ctx, ref)
	require.NoError(t, err)
	assert.False(t, found.Settled)

	processor.set(ref, gateway.StatusSuccess)

	verified, err := service.Verify(ctx, ref)
	require.NoError(t, err)
	assert.True(t, verified.Changed)
	assert.True(t, verified.Transaction.Settled)
	assert.Equal(t, int64(50), verified.Transaction.Amount)

	t.Run("second verify is a no-op", func(t *testing.T) {
		again, err := service.Verify(ctx, ref)
		require.NoError(t, err)
		assert.False(t, again.Changed)
		assert.True(t, again.Transaction.Settled)
		assert.Equal(t, verified.Transaction.SettledAt.Unix(), again.Transaction.SettledAt.Unix())
	})

	t.Run("processor flipping back cannot unsettle", func(t *testing.T) {
		processor.set(ref, gateway.StatusFailed)
		_, err := service.Verify(ctx, ref)
		assert.ErrorIs(t, err, ErrNotSettled)

		found, err := ledger.FindByReference(ctx, ref)
		require.NoError(t, err)
		assert.True(t, found.Settled)
	})

	settled, err := service.ListSettled(ctx)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, ref, settled[0].Reference)
}

func TestPaymentFlow_UnknownReference(t *testing.T) {
	service, ledger, _ := newLedgerService(t)
	ctx := context.Background()

	_, err := service.Initiate(ctx, model.DonationRequest{Name: "Ama", Email: "ama@x.com", Amount: 5})
	require.NoError(t, err)

	_, err = service.Verify(ctx, "DON-never-issued")
	assert.ErrorIs(t, err, ErrUnknownReference)

	pending, err := ledger.ListUnsettled(ctx, farFuture(), 100)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	settled, err := ledger.ListSettled(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled)
}

func TestPaymentFlow_OrphanSettlement(t *testing.T) {
	service, ledger, processor := newLedgerService(t)
	ctx := context.Background()

	processor.set("EXT-123", gateway.StatusSuccess)

	_, err := service.Verify(ctx, "EXT-123")
	assert.ErrorIs(t, err, ErrOrphanSettlement)

	found, err := ledger.FindByReference(ctx, "EXT-123")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestPaymentFlow_ConcurrentVerify(t *testing.T) {
	service, ledger, processor := newLedgerService(t)
	ctx := context.Background()

	initiated, err := service.Initiate(ctx, model.DonationRequest{Name: "Ama", Email: "ama@x.com", Amount: 75})
	require.NoError(t, err)
	processor.set(initiated.Reference, gateway.StatusSuccess)

	const callers = 16
	results := make([]*model.VerifyResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = service.Verify(ctx, initiated.Reference)
		}(i)
	}
	wg.Wait()

	changes := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Transaction.Settled)
		if results[i].Changed {
			changes++
		}
	}
	assert.Equal(t, 1, changes)

	settled, err := ledger.ListSettled(ctx)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, int64(75), settled[0].Amount)
}

func farFuture() time.Time {
	return time.Now().Add(24 * time.Hour)
}
