package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/accounting/notifier"
	obslogger "github.com/smallbiznis/accountingproxy/internal/observability/logger"
	"go.uber.org/zap"
)

// jobRun is the bookkeeping of one scheduled notification run. The owner is
// the runJob call that created it; nested runJob calls reuse it.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time

	sent          int
	failed        int
	deferred      bool
	deferReason   string
	failingOrders []string
}

type jobRunKey struct{}

const maxLoggedFailures = 10

func (r *jobRun) recordReport(report notifier.Report) {
	if r == nil {
		return
	}
	r.sent += report.Sent()
	r.failed += report.Failed()
	for _, o := range report.Outcomes {
		if o.Err == nil || len(r.failingOrders) >= maxLoggedFailures {
			continue
		}
		r.failingOrders = append(r.failingOrders, o.OrderID+"/"+o.ProductID)
	}
}

func (r *jobRun) markDeferred(reason string) {
	if r == nil {
		return
	}
	r.deferred = true
	r.deferReason = reason
}

func (r *jobRun) markFailed() {
	if r == nil || r.failed > 0 {
		return
	}
	r.failed = 1
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	return context.WithValue(ctx, jobRunKey{}, run), run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("records_sent", run.sent),
		zap.Int("records_failed", run.failed),
	}
	log := s.logger(ctx)
	switch {
	case run.deferred:
		log.Info("scheduler.job.deferred", append(fields, zap.String("reason", run.deferReason))...)
	case run.failed > 0:
		if len(run.failingOrders) > 0 {
			fields = append(fields, zap.Strings("failing_records", run.failingOrders))
		}
		log.Warn("scheduler.job.finish", fields...)
	default:
		log.Info("scheduler.job.finish", fields...)
	}
}
