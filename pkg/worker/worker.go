package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nimasrn/payment-gateway/pkg/logger"
)

var ErrWorkersStopped = errors.New("workers terminated")

type WorkerHandler = func(workerIndex int, job interface{})

type WorkerManager struct {
	bufferSize     int
	jobChannel     chan interface{}
	numberOfWorker int
	do             WorkerHandler
	ctx            context.Context
	cancel         context.CancelFunc
	waiter         *sync.WaitGroup
}

// NewWorkerManager is a job manager based on go routines. Define the number of
// workers and publish jobs with Enqueue; jobs are spread over the pool. Workers
// run until Exit is called. A caller-owned jobChannel is never closed here.
func NewWorkerManager(bufferSize, numberOfWorkers int, jobChannel chan interface{}) *WorkerManager {
	if jobChannel == nil {
		jobChannel = make(chan interface{}, bufferSize)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerManager{
		bufferSize:     bufferSize,
		numberOfWorker: numberOfWorkers,
		jobChannel:     jobChannel,
		ctx:            ctx,
		cancel:         cancel,
		waiter:         &sync.WaitGroup{},
	}
}

func (w *WorkerManager) GetUnreadCount() int64 {
	if w.jobChannel == nil {
		return 0
	}
	return int64(len(w.jobChannel))
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// Enqueue publishes a job onto the channel. It returns false when the pool has
// been stopped or ctx ends before the job is accepted.
func (w *WorkerManager) Enqueue(ctx context.Context, val interface{}) bool {
	select {
	case w.jobChannel <- val:
		return true
	case <-w.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Start runs the workers and blocks until Exit is called.
func (w *WorkerManager) Start() error {
	if w.do == nil {
		return errors.New("worker handler is not set")
	}
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case job := <-w.jobChannel:
					w.do(index, job)
				case <-w.ctx.Done():
					return
				}
			}
		}(i)
	}
	w.waiter.Wait()

	return ErrWorkersStopped
}

// Exit stops every worker once its current job returns.
func (w *WorkerManager) Exit() {
	logger.Info("worker manager shutting down", "workers", w.numberOfWorker, "unread", w.GetUnreadCount())
	w.cancel()
}
