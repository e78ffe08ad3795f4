// Package workerpool runs tasks on a fixed number of workers with a bounded
// queue and per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Task is a unit of work.
type Task struct {
	ID      string
	Payload any
}

// Result is the outcome of one task after retries.
type Result struct {
	TaskID   string
	Err      error
	Attempts int
}

// WorkerFunc processes one task. Errors wrapped with Permanent are not
// retried.
type WorkerFunc func(ctx context.Context, task Task) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config holds worker pool configuration
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay grows linearly with the attempt number.
	RetryDelay time.Duration
}

// DefaultConfig returns defaults sized for notification delivery.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  256,
		MaxRetries: 3,
		RetryDelay: 200 * time.Millisecond,
	}
}

type job struct {
	ctx  context.Context
	task Task
	done chan Result
}

// Pool is a bounded worker pool.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	jobs    chan job
	wg      sync.WaitGroup

	submitted int64
	completed int64
	failed    int64
	retried   int64
	active    int64
}

// New creates a pool. Start must be called before tasks run.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		jobs:   make(chan job, cfg.QueueSize),
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues task, blocking while the queue is full. The returned channel
// receives exactly one Result.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	done := make(chan Result, 1)
	select {
	case p.jobs <- job{ctx: ctx, task: task, done: done}:
		atomic.AddInt64(&p.submitted, 1)
		return done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Process submits tasks and waits for all of them. Results are in task
// order; a task that could not be queued carries the submit error.
func (p *Pool) Process(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	waits := make([]<-chan Result, len(tasks))
	for i, t := range tasks {
		ch, err := p.Submit(ctx, t)
		if err != nil {
			results[i] = Result{TaskID: t.ID, Err: err}
			continue
		}
		waits[i] = ch
	}
	for i, ch := range waits {
		if ch != nil {
			results[i] = <-ch
		}
	}
	return results
}

// Stop stops accepting tasks and waits for queued ones to finish or ctx to
// expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out")
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		atomic.AddInt64(&p.active, 1)
		res := p.run(j)
		atomic.AddInt64(&p.active, -1)
		if res.Err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", res.TaskID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
		j.done <- res
	}
}

func (p *Pool) run(j job) Result {
	var err error
	attempts := 0
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if cerr := j.ctx.Err(); cerr != nil {
			return Result{TaskID: j.task.ID, Err: cerr, Attempts: attempts}
		}
		attempts++
		if err = p.fn(j.ctx, j.task); err == nil || IsPermanent(err) {
			return Result{TaskID: j.task.ID, Err: err, Attempts: attempts}
		}
		if attempt == p.config.MaxRetries {
			break
		}
		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", j.task.ID),
			zap.Int("attempt", attempts),
			zap.Error(err))

		timer := time.NewTimer(p.config.RetryDelay * time.Duration(attempt+1))
		select {
		case <-j.ctx.Done():
			timer.Stop()
			return Result{TaskID: j.task.ID, Err: j.ctx.Err(), Attempts: attempts}
		case <-timer.C:
		}
	}
	return Result{
		TaskID:   j.task.ID,
		Err:      fmt.Errorf("task failed after %d attempts: %w", attempts, err),
		Attempts: attempts,
	}
}

// Stats holds pool counters.
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	Active        int64
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Retried:       atomic.LoadInt64(&p.retried),
		Active:        atomic.LoadInt64(&p.active),
		QueueDepth:    len(p.jobs),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool) IsHealthy() bool {
	st := p.Stats()
	return float64(st.QueueDepth)/float64(st.QueueCapacity) < 0.9
}
