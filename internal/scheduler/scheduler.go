// Package scheduler triggers usage notification on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/accountingproxy/internal/accounting/notifier"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobNotifyUsage = "notify_usage"

	resourceRecords = "records"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// UsageNotifier runs one batch notification.
type UsageNotifier interface {
	NotifyAllUsage(ctx context.Context) (notifier.Report, error)
}

type Params struct {
	fx.In

	Notifier UsageNotifier
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config                       `optional:"true"`
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	notifier UsageNotifier
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	metrics  *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Notifier == nil || p.Log == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		notifier: p.Notifier,
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		metrics:  metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil {
			run.markFailed()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout, the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce notifies all pending usage. A run already in progress elsewhere is
// deferred, not failed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, JobNotifyUsage, s.cfg.JobTimeout, s.NotifyUsageJob)
}

func (s *Scheduler) NotifyUsageJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)

	report, err := s.notifier.NotifyAllUsage(ctx)
	if errors.Is(err, notifier.ErrNotificationInProgress) {
		s.metrics.IncBatchDeferred(JobNotifyUsage, obsmetrics.SchedulerDeferredReasonLockHeld)
		run.markDeferred(obsmetrics.SchedulerDeferredReasonLockHeld)
		return nil
	}
	if err != nil {
		return err
	}

	run.recordReport(report)
	s.metrics.AddBatchProcessed(JobNotifyUsage, resourceRecords, report.Sent())
	return report.Err()
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}
