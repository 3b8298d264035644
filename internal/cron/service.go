package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/metrics"
)

const defaultInterval = 5 * time.Minute

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
	// Now is overridable in tests.
	Now func() time.Time
}

// Service ticks every Interval. Each tick takes the cluster-wide lock, runs
// the jobs that are due, and refreshes the lock between jobs.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
	now      func() time.Time
	lastRun  map[string]time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("cron: logger required")
	case params.Lock == nil:
		return nil, errors.New("cron: lock required")
	}
	svc := &Service{
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: params.Interval,
		now:      params.Now,
		lastRun:  make(map[string]time.Time),
	}
	if svc.registry == nil {
		svc.registry = NewRegistry()
	}
	if svc.interval <= 0 {
		svc.interval = defaultInterval
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// Run fires one cycle immediately, then one per interval until ctx ends.
// Cycle failures are logged and never stop the loop.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.runCycle(ctx); err != nil && ctx.Err() == nil {
			s.logg.Error(ctx, "scheduled run failed", err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) due(job Job, now time.Time) bool {
	every := cadence(job)
	last, ran := s.lastRun[job.Name()]
	return every <= 0 || !ran || now.Sub(last) >= every
}

func (s *Service) runCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Debug(ctx, "another cron instance holds the lock; skipping cycle")
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()

	ran := 0
	for i, job := range s.registry.Jobs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := s.now()
		if !s.due(job, now) {
			continue
		}
		if i > 0 {
			if err := s.lock.Refresh(ctx); err != nil {
				if errors.Is(err, ErrLockLost) {
					s.logg.Warn(ctx, "cron lock lost mid-cycle; stopping")
					return nil
				}
				return err
			}
		}
		s.runJob(ctx, job)
		s.lastRun[job.Name()] = now
		ran++
	}
	if ran > 0 {
		s.logg.Info(s.logg.WithField(ctx, "jobs_run", ran), "scheduled run complete")
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, job Job) {
	name := job.Name()
	jobCtx := s.logg.WithFields(ctx, map[string]any{"job": name, "event": "cron.job"})
	began := time.Now()
	err := safeRun(jobCtx, job)
	took := time.Since(began)

	s.metrics.ObserveDuration(name, took)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", took.Milliseconds())
	if err == nil {
		s.metrics.IncSuccess(name)
		s.logg.Info(jobCtx, "job completed")
		return
	}
	s.metrics.IncFailure(name)
	s.logg.Error(jobCtx, "job failed", err)
}

// safeRun keeps one misbehaving job from killing the worker.
func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), rec)
		}
	}()
	return job.Run(ctx)
}
