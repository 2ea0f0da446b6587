package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/accountingproxy/internal/accounting/notifier"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	calls  atomic.Int32
	report notifier.Report
	err    error
	block  bool
}

func (f *fakeNotifier) NotifyAllUsage(ctx context.Context) (notifier.Report, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return notifier.Report{}, ctx.Err()
	}
	return f.report, f.err
}

func newTestScheduler(t *testing.T, n UsageNotifier, cfg Config) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	registry := prometheus.NewRegistry()
	s, err := New(Params{
		Notifier: n,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewSystemClock(),
		Config:   cfg,
		Metrics:  obsmetrics.NewSchedulerMetricsForTest(registry),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, registry
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	s, registry := newTestScheduler(t, &fakeNotifier{block: true}, Config{JobTimeout: 5 * time.Millisecond})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{"service": "accountingproxy", "env": "test", "job": JobNotifyUsage}
	if got := getCounterValue(t, registry, "accounting_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}
	errorLabels := map[string]string{"job": JobNotifyUsage, "reason": obsmetrics.SchedulerJobReasonDeadlineExceeded}
	if got := getCounterValue(t, registry, "accounting_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunOnceCountsSentRecords(t *testing.T) {
	n := &fakeNotifier{report: notifier.Report{Outcomes: []notifier.Outcome{
		{OrderID: "O1", ProductID: "P1"},
		{OrderID: "O2", ProductID: "P1"},
	}}}
	s, registry := newTestScheduler(t, n, Config{})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	labels := map[string]string{"job": JobNotifyUsage, "resource": resourceRecords}
	if got := getCounterValue(t, registry, "accounting_scheduler_batch_processed_total", labels); got != 2 {
		t.Fatalf("expected 2 processed, got %v", got)
	}
	if got := getCounterValue(t, registry, "accounting_scheduler_job_runs_total", map[string]string{"job": JobNotifyUsage}); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
}

func TestRunOnceReturnsRecordFailures(t *testing.T) {
	boom := errors.New("usage api down")
	n := &fakeNotifier{report: notifier.Report{Outcomes: []notifier.Outcome{
		{OrderID: "O1", ProductID: "P1", Err: boom},
	}}}
	s, _ := newTestScheduler(t, n, Config{})

	err := s.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped record failure, got %v", err)
	}
}

func TestRunOnceDefersWhenLockHeld(t *testing.T) {
	s, registry := newTestScheduler(t, &fakeNotifier{err: notifier.ErrNotificationInProgress}, Config{})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected deferral without error, got %v", err)
	}
	labels := map[string]string{"job": JobNotifyUsage, "reason": obsmetrics.SchedulerDeferredReasonLockHeld}
	if got := getCounterValue(t, registry, "accounting_scheduler_batch_deferred_total", labels); got != 1 {
		t.Fatalf("expected 1 deferral, got %v", got)
	}
}

func TestRunForeverTicksUntilCanceled(t *testing.T) {
	n := &fakeNotifier{}
	s, _ := newTestScheduler(t, n, Config{RunInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunForever(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for n.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 runs, got %d", n.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestConfig(t *testing.T) {
	if (Config{}).Enabled() {
		t.Fatal("zero interval must disable the scheduler")
	}
	if !DefaultConfig().Enabled() {
		t.Fatal("default config must be enabled")
	}
	if got := (Config{}).withDefaults().JobTimeout; got != 5*time.Minute {
		t.Fatalf("expected default timeout, got %v", got)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	if _, err := New(Params{Log: zap.NewNop()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	found := 0
	for _, pair := range pairs {
		if want, ok := labels[pair.GetName()]; ok {
			if pair.GetValue() != want {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func TestJobRunRecordsReport(t *testing.T) {
	run := &jobRun{job: JobNotifyUsage}
	run.recordReport(notifier.Report{Outcomes: []notifier.Outcome{
		{OrderID: "o1", ProductID: "p1"},
		{OrderID: "o2", ProductID: "p2", Err: errors.New("rejected")},
		{OrderID: "o3", ProductID: "p3"},
	}})

	if run.sent != 2 || run.failed != 1 {
		t.Fatalf("expected 2 sent and 1 failed, got %d and %d", run.sent, run.failed)
	}
	if len(run.failingOrders) != 1 || run.failingOrders[0] != "o2/p2" {
		t.Fatalf("unexpected failing records %v", run.failingOrders)
	}

	run.markFailed()
	if run.failed != 1 {
		t.Fatalf("markFailed must not inflate counted failures, got %d", run.failed)
	}

	var nilRun *jobRun
	nilRun.recordReport(notifier.Report{})
	nilRun.markDeferred("lock_held")
}
