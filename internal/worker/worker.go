// Package worker runs background jobs off the caller's goroutine: a buffered
// queue drained by a fixed pool, with overflow handled rather than dropped.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/internal/metrics"
)

var ErrClosed = errors.New("queue closed")

// Handler processes one job. The context carries the per-job timeout.
type Handler[T any] func(ctx context.Context, job T) error

type Config struct {
	Name    string
	Size    int
	Workers int
	// Timeout bounds a single Handler call. Zero means no timeout.
	Timeout time.Duration
	// ErrorBuffer is the capacity of the Errors channel.
	ErrorBuffer int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Size:        1024,
		Workers:     4,
		Timeout:     5 * time.Second,
		ErrorBuffer: 256,
	}
}

// Queue is safe for concurrent use. Submit never blocks: when the buffer is
// full the job runs on its own goroutine, which Close still waits for.
type Queue[T any] struct {
	cfg     Config
	handler Handler[T]
	logger  *zap.Logger
	metrics *metrics.Metrics

	jobs     chan T
	errs     chan error
	workers  sync.WaitGroup
	overflow sync.WaitGroup

	mu         sync.RWMutex
	closed     bool
	errsClosed bool
}

func New[T any](cfg Config, handler Handler[T], logger *zap.Logger, m *metrics.Metrics) *Queue[T] {
	if cfg.Size < 0 {
		cfg.Size = 0
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ErrorBuffer < 1 {
		cfg.ErrorBuffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	q := &Queue[T]{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("queue", cfg.Name)),
		metrics: m,
		jobs:    make(chan T, cfg.Size),
		errs:    make(chan error, cfg.ErrorBuffer),
	}
	for range cfg.Workers {
		q.workers.Add(1)
		go q.drain()
	}
	return q
}

// Submit hands job to the pool. It only fails after Close.
func (q *Queue[T]) Submit(job T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		q.metrics.DispatchQueueDepth.Inc()
	default:
		q.metrics.DispatchOverflow.Inc()
		q.overflow.Add(1)
		go func() {
			defer q.overflow.Done()
			q.run(job)
		}()
	}
	return nil
}

// Errors publishes handler failures and anything passed to Report. It is
// closed once Close has drained the queue. Errors are dropped, after being
// logged, when nobody reads the channel and its buffer is full.
func (q *Queue[T]) Errors() <-chan error {
	return q.errs
}

// Report publishes an error that happened outside a handler.
func (q *Queue[T]) Report(err error) {
	if err == nil {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.errsClosed {
		return
	}
	select {
	case q.errs <- err:
	default:
		q.logger.Warn("error channel full, dropping error", zap.Error(err))
	}
}

// Close stops accepting jobs and waits until every accepted job has been
// handled or ctx is done.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		q.overflow.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%s: drain interrupted: %w", q.cfg.Name, ctx.Err())
	}

	q.mu.Lock()
	if !q.errsClosed {
		q.errsClosed = true
		close(q.errs)
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue[T]) drain() {
	defer q.workers.Done()
	for job := range q.jobs {
		q.metrics.DispatchQueueDepth.Dec()
		q.run(job)
	}
}

func (q *Queue[T]) run(job T) {
	ctx := context.Background()
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}

	if err := q.handler(ctx, job); err != nil {
		kind := "handler"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = "timeout"
		}
		q.metrics.RecordFailures.WithLabelValues(q.cfg.Name, kind).Inc()
		q.logger.Error("job failed", zap.Error(err))
		q.Report(err)
	}
}
