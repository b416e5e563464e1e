package forward

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/auditledger/pkg/async"
	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

// AsyncConfig sizes the background delivery pool
type AsyncConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Async hands records to a worker pool so the caller never waits on the
// downstream intake. Failures, panics and queue overflows are logged and
// counted; nothing is returned to the caller.
type Async struct {
	next    Forwarder
	pool    *async.WorkerPool
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAsync wraps next
func NewAsync(next Forwarder, cfg AsyncConfig, logger *observability.Logger, metrics *observability.Metrics) *Async {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	a := &Async{
		next:    next,
		logger:  logger.WithField("component", "forwarder"),
		metrics: metrics,
	}
	a.pool = async.NewWorkerPool(async.PoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.Timeout,
		TaskName:  "audit forward",
		Logger:    a.logger,
		OnError: func(err error) {
			a.metrics.ObserveForwardFailure(reason(err))
			a.logger.WithError(err).Warn("audit record forwarding failed")
		},
	})
	return a
}

// Submit queues rec for delivery. The record must not be modified afterwards.
func (a *Async) Submit(rec *audit.Record) {
	err := a.pool.TrySubmit(func(ctx context.Context) error {
		return a.next.Forward(ctx, rec)
	})
	if err != nil {
		a.metrics.ObserveForwardFailure(reason(err))
		a.logger.WithField("record_id", rec.ID).WithError(err).Warn("audit record dropped before forwarding")
	}
}

// Forward implements Forwarder by queueing; it never fails
func (a *Async) Forward(_ context.Context, rec *audit.Record) error {
	a.Submit(rec)
	return nil
}

// Close drains queued deliveries until ctx is done
func (a *Async) Close(ctx context.Context) error {
	return a.pool.Shutdown(ctx)
}

func reason(err error) string {
	var statusErr *StatusError
	switch {
	case errors.Is(err, async.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, async.ErrPoolClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &statusErr):
		return "status"
	default:
		return "error"
	}
}
