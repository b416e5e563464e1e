package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/auditledger/pkg/observability"
)

// ErrQueueFull is returned by TrySubmit when every queue slot is taken
var ErrQueueFull = errors.New("worker pool queue is full")

// ErrPoolClosed is returned after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo runs fn in a goroutine with a timeout and panic recovery. Errors
// are logged, never returned. A zero timeout leaves fn bound only by parent.
//
//	SafeGo(ctx, 5*time.Second, "archive upload", logger, func(ctx context.Context) error {
//	    return archiver.Upload(ctx, batch)
//	})
func SafeGo(parent context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	go func() {
		var ctx context.Context
		var cancel context.CancelFunc
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, timeout)
		} else {
			ctx, cancel = context.WithCancel(parent)
		}
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil && logger != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// Task is a unit of pool work
type Task func(context.Context) error

// WorkerPool runs tasks on a fixed set of workers fed by a bounded queue.
// Submission never blocks, so producers on request paths are never slowed
// by a stuck consumer.
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   *observability.Logger
	onError  func(error)

	queue chan Task
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// PoolConfig configures a WorkerPool
type PoolConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	TaskName  string
	Logger    *observability.Logger
	// OnError is called from the worker goroutine for every failed or
	// panicking task
	OnError func(error)
}

// NewWorkerPool starts the workers
func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	p := &WorkerPool{
		taskName: cfg.TaskName,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.WithField("pool", cfg.TaskName),
		onError:  cfg.OnError,
		queue:    make(chan Task, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker()
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return p
}

// TrySubmit enqueues fn or fails immediately
func (p *WorkerPool) TrySubmit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits up to ctx for the queue to drain
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s pool shutdown: %w", p.taskName, ctx.Err())
	}
}

func (p *WorkerPool) worker() {
	for fn := range p.queue {
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn Task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	defer observability.RecoverPanicWithCallback(p.logger, p.taskName, func(r any) {
		p.fail(observability.PanicError(r))
	})

	if err := fn(ctx); err != nil {
		p.fail(err)
	}
}

func (p *WorkerPool) fail(err error) {
	if p.onError != nil {
		p.onError(err)
		return
	}
	p.logger.WithError(err).Warn("task failed")
}
