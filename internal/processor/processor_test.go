package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu       sync.Mutex
	seen     map[string]int
	failOnce map[string]bool
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{seen: map[string]int{}, failOnce: map[string]bool{}}
}

func (p *recordingProcessor) GetType() string { return "recording" }

func (p *recordingProcessor) Process(_ context.Context, msg *queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref := msg.Metadata["reference"]
	p.seen[ref]++
	if p.failOnce[ref] && p.seen[ref] == 1 {
		return errors.New("not yet")
	}
	return nil
}

func (p *recordingProcessor) count(ref string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[ref]
}

func testServiceConfig() ServiceConfig {
	return ServiceConfig{
		Queue: queue.QueueConfig{
			Name:              "verify",
			ConsumerGroup:     "verifiers",
			ConsumerName:      "test",
			MaxRetries:        3,
			VisibilityTimeout: 50 * time.Millisecond,
			PollInterval:      10 * time.Millisecond,
			BatchSize:         10,
			MaxLen:            1000,
			EnableDLQ:         true,
		},
		Consumers:         2,
		Workers:           4,
		ProcessingTimeout: time.Second,
		ReportInterval:    time.Hour,
	}
}

func TestNewProcessorService_Validation(t *testing.T) {
	_, err := NewProcessorService(nil, testServiceConfig())
	assert.Error(t, err)

	_, adapter := setupTestRedis(t)
	svc, err := NewProcessorService(adapter, ServiceConfig{Queue: testServiceConfig().Queue})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.config.Consumers)
	assert.Equal(t, 1, svc.config.Workers)
	assert.Equal(t, DefaultProcessingTimeout, svc.config.ProcessingTimeout)
}

func TestProcessorService_ProcessesQueuedJobs(t *testing.T) {
	_, adapter := setupTestRedis(t)
	cfg := testServiceConfig()

	svc, err := NewProcessorService(adapter, cfg)
	require.NoError(t, err)

	proc := newRecordingProcessor()
	proc.failOnce["DON-2"] = true
	svc.RegisterProcessor(proc)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	publisher, err := queue.NewQueue(adapter, cfg.Queue)
	require.NoError(t, err)

	ctx := context.Background()
	for _, ref := range []string{"DON-1", "DON-2"} {
		_, err := publisher.PublishJSON(ctx, model.VerificationJob{Reference: ref}, map[string]string{"reference": ref})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return proc.count("DON-1") == 1 && proc.count("DON-2") == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		snap := svc.Metrics()
		return snap.TotalProcessed == 2 && snap.TotalFailed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProcessorService_NoProcessorReturnsMessageToQueue(t *testing.T) {
	_, adapter := setupTestRedis(t)
	svc, err := NewProcessorService(adapter, testServiceConfig())
	require.NoError(t, err)

	job := &jobResult{
		msg:        &queue.Message{ID: "1-0", Metadata: map[string]string{"reference": "DON-1"}},
		resultChan: make(chan error, 1),
		ctx:        context.Background(),
	}
	svc.workerHandler(0, job)

	assert.ErrorIs(t, <-job.resultChan, ErrNoProcessor)
	assert.Equal(t, int64(1), svc.Metrics().TotalFailed)
}

func TestProcessorService_SweeperFeedsQueue(t *testing.T) {
	_, adapter := setupTestRedis(t)
	cfg := testServiceConfig()

	svc, err := NewProcessorService(adapter, cfg)
	require.NoError(t, err)

	proc := newRecordingProcessor()
	svc.RegisterProcessor(proc)

	publisher, err := queue.NewQueue(adapter, cfg.Queue)
	require.NoError(t, err)

	lister := new(MockPendingLister)
	lister.On("ListPending", context.Background(), mock.Anything).Return([]*model.Transaction{{Reference: "DON-9"}}, nil)
	sweeper := NewSweeper(lister, publisher, SweeperConfig{Interval: time.Hour, GracePeriod: time.Minute})

	require.NoError(t, svc.Start())
	defer svc.Stop()

	queued, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	assert.Eventually(t, func() bool {
		return proc.count("DON-9") == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestServiceMetrics(t *testing.T) {
	m := NewServiceMetrics()
	m.RecordSuccess(10 * time.Millisecond)
	m.RecordSuccess(30 * time.Millisecond)
	m.RecordFailure()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.TotalFailed)
	assert.Equal(t, int64(20), snap.AvgDurationMs)

	m.Reset()
	snap = m.Snapshot()
	assert.Zero(t, snap.TotalProcessed)
	assert.Zero(t, snap.AvgDurationMs)
}
