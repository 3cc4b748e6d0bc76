package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/redis"
	"github.com/nimasrn/payment-gateway/pkg/worker"
)

const (
	DefaultProcessingTimeout = 30 * time.Second
	HealthInterval           = 30 * time.Second
	ShutdownTimeout          = time.Minute

	highLagThreshold = 10000
)

var (
	ErrWorkerPoolUnavailable = errors.New("worker pool unavailable")
	ErrNoProcessor           = errors.New("no processor registered")
)

// Processor handles one queue message. Returning nil ACKs it.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

type ServiceConfig struct {
	Queue             queue.QueueConfig
	Consumers         int
	Workers           int
	WorkerBuffer      int
	ProcessingTimeout time.Duration
	ReportInterval    time.Duration
}

// ProcessorService fans queue consumers into a shared worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    ServiceConfig
	queues    []*queue.Queue
	processor Processor
	sweeper   *Sweeper
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

func NewProcessorService(adapter redis.RedisAdapter, config ServiceConfig) (*ProcessorService, error) {
	if adapter == nil {
		return nil, fmt.Errorf("redis adapter is required")
	}
	if config.Consumers <= 0 {
		config.Consumers = 1
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.WorkerBuffer <= 0 {
		config.WorkerBuffer = config.Workers * 10
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = DefaultProcessingTimeout
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter: adapter,
		config:  config,
		queues:  make([]*queue.Queue, 0, config.Consumers),
		metrics: NewServiceMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		worker:  worker.NewWorkerManager(config.WorkerBuffer, config.Workers, nil),
	}, nil
}

func (s *ProcessorService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("Registered processor", "type", processor.GetType())
}

// RegisterSweeper runs the sweeper alongside the consumers until Stop.
func (s *ProcessorService) RegisterSweeper(sweeper *Sweeper) {
	s.sweeper = sweeper
}

func (s *ProcessorService) Metrics() MetricsSnapshot {
	return s.metrics.Snapshot()
}

func (s *ProcessorService) Start() error {
	logger.Info("Starting Processor Service...")

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Info("Worker manager stopped", "error", err)
		}
	}()

	for i := 0; i < s.config.Consumers; i++ {
		queueConfig := s.config.Queue
		queueConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", queueConfig.ConsumerName, i)

		q, err := queue.NewQueue(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}

		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
		logger.Info("Started consumer instance", "instance", i, "consumer", queueConfig.ConsumerName)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	if s.sweeper != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweeper.Run(s.ctx)
		}()
	}

	logger.Info("Processor Service started", "consumers", len(s.queues), "workers", s.config.Workers)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.Snapshot()

	logger.Info("Verification metrics",
		"total_processed", stats.TotalProcessed,
		"total_failed", stats.TotalFailed,
		"rate_per_second", stats.RatePerSecond,
		"avg_duration_ms", stats.AvgDurationMs,
		"uptime_seconds", stats.UptimeSeconds,
		"worker_backlog", s.worker.GetUnreadCount())

	// consumers share one stream, so one reading is enough
	if len(s.queues) > 0 {
		if qStats, err := s.queues[0].GetStats(); err == nil {
			logger.Info("Queue stats",
				"queue", s.queues[0].Name(),
				"total", qStats.TotalMessages,
				"pending", qStats.PendingMessages,
				"dead_letters", qStats.DeadLetters)
		}
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return
	}

	if len(s.queues) > 0 {
		stats, err := s.queues[0].GetStats()
		if err != nil {
			logger.Warn("HEALTH CHECK WARNING: Queue stats unavailable", "error", err)
			return
		}
		if stats.PendingMessages > highLagThreshold {
			logger.Warn("HEALTH CHECK WARNING: Queue has high lag", "pending_messages", stats.PendingMessages)
		}
	}

	logger.Debug("HEALTH CHECK: OK - Service healthy")
}

func (s *ProcessorService) Stop() {
	logger.Info("Shutting down Processor Service...")

	s.cancel()

	timeout := ShutdownTimeout
	stopChan := make(chan struct{}, len(s.queues))

	for i, q := range s.queues {
		go func(index int, q *queue.Queue) {
			if err := q.Stop(timeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
			stopChan <- struct{}{}
		}(i, q)
	}

	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("Timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("Processor Service stopped")
}

type jobResult struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler hands the message to the pool and waits for its verdict.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	resultChan := make(chan error, 1)

	msgCtx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout+time.Second)
	defer cancel()

	job := &jobResult{
		msg:        msg,
		resultChan: resultChan,
		ctx:        msgCtx,
	}

	if !s.worker.Enqueue(msgCtx, job) {
		return ErrWorkerPoolUnavailable
	}

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process message: %w", msgCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	select {
	case <-jobRes.ctx.Done():
		logger.Warn("Job context cancelled before processing started", "worker", workerIndex)
		return
	default:
	}

	start := time.Now()
	var resultErr error

	if s.processor == nil {
		logger.Warn("No processor registered", "worker", workerIndex)
		s.metrics.RecordFailure()
		resultErr = ErrNoProcessor
	} else {
		ctx, cancel := context.WithTimeout(jobRes.ctx, s.config.ProcessingTimeout)
		resultErr = s.processor.Process(ctx, jobRes.msg)
		cancel()

		if resultErr != nil {
			s.metrics.RecordFailure()
			logger.Warn("Verification job will be retried", "worker", workerIndex, "message_id", jobRes.msg.ID, "error", resultErr)
		} else {
			s.metrics.RecordSuccess(time.Since(start))
		}
	}

	// the handler may have timed out and gone away
	select {
	case jobRes.resultChan <- resultErr:
	case <-jobRes.ctx.Done():
		logger.Warn("Context cancelled while sending result, message handler timed out", "worker", workerIndex)
	}
}
