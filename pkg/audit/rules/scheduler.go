package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/auditledger/pkg/observability"
)

// Reloadable is anything the scheduler can refresh: the rule engine and the
// diff dictionary provider.
type Reloadable interface {
	Name() string
	Reload(ctx context.Context) error
}

// Scheduler refreshes configuration snapshots on a fixed interval. Runs of
// the same job never overlap.
type Scheduler struct {
	interval time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
	cron     *cron.Cron

	mu      sync.Mutex
	jobs    []Reloadable
	started bool
}

// NewScheduler creates a scheduler (one minute when interval is zero)
func NewScheduler(interval time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Scheduler{
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Add registers a job. Jobs added after Start are ignored.
func (s *Scheduler) Add(job Reloadable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.jobs = append(s.jobs, job)
}

// Start runs every job once and schedules the periodic runs. The initial
// runs report failures through logs and metrics only.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	jobs := append([]Reloadable(nil), s.jobs...)
	s.mu.Unlock()

	spec := "@every " + s.interval.String()
	for _, job := range jobs {
		s.Run(ctx, job)
		if _, err := s.cron.AddFunc(spec, func() { s.Run(ctx, job) }); err != nil {
			return fmt.Errorf("failed to schedule %s reload: %w", job.Name(), err)
		}
	}
	s.cron.Start()
	s.logger.WithFields(map[string]any{"jobs": len(jobs), "interval": s.interval.String()}).Info("reload scheduler started")
	return nil
}

// Trigger runs the named job now, outside the schedule
func (s *Scheduler) Trigger(ctx context.Context, name string) bool {
	s.mu.Lock()
	var found Reloadable
	for _, job := range s.jobs {
		if job.Name() == name {
			found = job
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return false
	}
	s.Run(ctx, found)
	return true
}

// Run executes one reload and records its outcome
func (s *Scheduler) Run(ctx context.Context, job Reloadable) {
	log := s.logger.WithField("source", job.Name())
	err := job.Reload(ctx)
	switch {
	case err == nil:
		s.metrics.ObserveReload(job.Name(), "success")
	case errors.Is(err, ErrNotReady):
		s.metrics.ObserveReload(job.Name(), "skipped")
		log.Debug("reload skipped, source not ready")
	default:
		s.metrics.ObserveReload(job.Name(), "failure")
		log.WithError(err).Warn("reload failed, keeping previous snapshot")
	}
}

// Stop halts the schedule and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
