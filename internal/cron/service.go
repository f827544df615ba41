package cron

import (
	"context"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
)

const defaultJobTimeout = time.Hour

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger     *logger.Logger
	Registry   *Registry
	Locker     Locker
	Metrics    *metrics.CronMetrics
	JobTimeout time.Duration
	Location   *time.Location
}

// Service executes registered jobs on their cron schedules. Each run holds
// the job's distributed lock so only one worker executes it at a time.
type Service struct {
	logg      *logger.Logger
	registry  *Registry
	locker    Locker
	metrics   *metrics.CronMetrics
	timeout   time.Duration
	scheduler *robfig.Cron
	baseCtx   context.Context
	cancel    context.CancelFunc
}

// NewService builds a cron service. Invalid schedules fail construction.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	timeout := params.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	location := params.Location
	if location == nil {
		location = time.UTC
	}

	s := &Service{
		logg:     params.Logger,
		registry: registry,
		locker:   params.Locker,
		metrics:  params.Metrics,
		timeout:  timeout,
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	cronLogger := schedulerLogger{logg: params.Logger}
	s.scheduler = robfig.New(
		robfig.WithLocation(location),
		robfig.WithLogger(cronLogger),
		robfig.WithChain(robfig.Recover(cronLogger), robfig.SkipIfStillRunning(cronLogger)),
	)
	for _, entry := range registry.Entries() {
		job := entry.Job
		if _, err := s.scheduler.AddFunc(entry.Spec, func() { s.runJob(s.baseCtx, job) }); err != nil {
			s.cancel()
			return nil, fmt.Errorf("schedule %s (%q): %w", job.Name(), entry.Spec, err)
		}
	}
	return s, nil
}

// Run starts the scheduler and blocks until the context is canceled, then
// waits for in-flight jobs to finish.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, entry := range s.registry.Entries() {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"job":      entry.Job.Name(),
			"schedule": entry.Spec,
		}), "cron job scheduled")
	}
	s.scheduler.Start()
	<-ctx.Done()
	s.logg.Info(ctx, "cron service context canceled")
	s.cancel()
	<-s.scheduler.Stop().Done()
	return ctx.Err()
}

// RunOnce executes every registered job immediately, in registration order.
func (s *Service) RunOnce(ctx context.Context) {
	for _, entry := range s.registry.Entries() {
		s.runJob(ctx, entry.Job)
	}
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")

	lock := s.locker.For(job.Name())
	locked, err := lock.Acquire(jobCtx)
	if err != nil {
		s.logg.Error(jobCtx, "cron lock acquire failed", err)
		s.metrics.Finished(job.Name(), 0, err)
		return
	}
	if !locked {
		s.logg.Info(jobCtx, "another cron instance is running this job; skipping")
		s.metrics.Skipped(job.Name())
		return
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(jobCtx)); relErr != nil {
			s.logg.Error(jobCtx, "failed to release cron lock", relErr)
		}
	}()

	runCtx, cancel := context.WithTimeout(jobCtx, s.timeout)
	defer cancel()

	s.logg.Info(jobCtx, "job start")
	start := time.Now()
	err = job.Run(runCtx)
	duration := time.Since(start)
	s.metrics.Finished(job.Name(), duration, err)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return
	}
	s.logg.Info(jobCtx, "job completed")
}
