package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, ref string) (*model.VerifyResult, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.VerifyResult), args.Error(1)
}

func jobMessage(t *testing.T, ref string) *queue.Message {
	data, err := json.Marshal(model.VerificationJob{
		Reference:   ref,
		Source:      model.JobSourceCallback,
		RequestedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return &queue.Message{ID: "1-0", Data: data, Attempts: 1}
}

func newTestProcessor(t *testing.T) (*VerificationProcessor, *MockVerifier, *IdempotencyService) {
	_, adapter := setupTestRedis(t)
	idem := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	verifier := new(MockVerifier)
	return NewVerificationProcessor(verifier, idem), verifier, idem
}

func TestVerificationProcessor_Settled(t *testing.T) {
	p, verifier, idem := newTestProcessor(t)
	ctx := context.Background()

	verifier.On("Verify", mock.Anything, "DON-1").Return(&model.VerifyResult{
		Transaction: &model.Transaction{Reference: "DON-1", Settled: true},
		Changed:     true,
	}, nil).Once()

	assert.NoError(t, p.Process(ctx, jobMessage(t, "DON-1")))

	processed, err := idem.IsProcessed(ctx, "DON-1")
	require.NoError(t, err)
	assert.True(t, processed)

	// a repeat job is ACKed without another gateway call
	assert.NoError(t, p.Process(ctx, jobMessage(t, "DON-1")))
	verifier.AssertNumberOfCalls(t, "Verify", 1)
}

func TestVerificationProcessor_RetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not settled", fmt.Errorf("%w: pending", services.ErrNotSettled)},
		{"gateway unavailable", fmt.Errorf("%w: timeout", services.ErrGatewayUnavailable)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, verifier, idem := newTestProcessor(t)
			ctx := context.Background()

			verifier.On("Verify", mock.Anything, "DON-1").Return(nil, tt.err)

			err := p.Process(ctx, jobMessage(t, "DON-1"))
			assert.ErrorIs(t, err, tt.err)

			count, err := idem.GetRetryCount(ctx, "DON-1")
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			// the lock is released for the redelivery
			_, err = idem.AcquireProcessingLock(ctx, "DON-1")
			assert.NoError(t, err)
		})
	}
}

func TestVerificationProcessor_TerminalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unknown reference", services.ErrUnknownReference},
		{"orphan settlement", services.ErrOrphanSettlement},
		{"invalid request", services.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, verifier, idem := newTestProcessor(t)
			ctx := context.Background()

			verifier.On("Verify", mock.Anything, "DON-1").Return(nil, tt.err)

			assert.NoError(t, p.Process(ctx, jobMessage(t, "DON-1")))

			processed, err := idem.IsProcessed(ctx, "DON-1")
			require.NoError(t, err)
			assert.False(t, processed)
		})
	}
}

func TestVerificationProcessor_LockHeld(t *testing.T) {
	p, verifier, idem := newTestProcessor(t)
	ctx := context.Background()

	_, err := idem.AcquireProcessingLock(ctx, "DON-1")
	require.NoError(t, err)

	err = p.Process(ctx, jobMessage(t, "DON-1"))
	assert.ErrorIs(t, err, ErrLockHeld)
	verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestVerificationProcessor_RetriesExhausted(t *testing.T) {
	_, adapter := setupTestRedis(t)
	config := DefaultIdempotencyConfig()
	config.MaxRetries = 1
	idem := NewIdempotencyService(adapter, config)
	verifier := new(MockVerifier)
	p := NewVerificationProcessor(verifier, idem)
	ctx := context.Background()

	verifier.On("Verify", mock.Anything, "DON-1").Return(nil, services.ErrNotSettled).Once()

	assert.Error(t, p.Process(ctx, jobMessage(t, "DON-1")))
	assert.NoError(t, p.Process(ctx, jobMessage(t, "DON-1")))
	verifier.AssertNumberOfCalls(t, "Verify", 1)
}

func TestVerificationProcessor_MalformedJobs(t *testing.T) {
	p, verifier, _ := newTestProcessor(t)
	ctx := context.Background()

	assert.NoError(t, p.Process(ctx, &queue.Message{ID: "1-0", Data: []byte("not json")}))
	assert.NoError(t, p.Process(ctx, jobMessage(t, "   ")))
	verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestVerificationProcessor_UnexpectedErrorIsRetried(t *testing.T) {
	p, verifier, _ := newTestProcessor(t)

	boom := errors.New("database is down")
	verifier.On("Verify", mock.Anything, "DON-1").Return(nil, boom)

	assert.ErrorIs(t, p.Process(context.Background(), jobMessage(t, "DON-1")), boom)
}

func TestVerificationProcessor_GetType(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	assert.Equal(t, "verification", p.GetType())
}
