package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Config carries the constant labels shared by every collector.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) constLabels() prometheus.Labels {
	serviceName := strings.TrimSpace(c.ServiceName)
	if serviceName == "" {
		serviceName = "accountingproxy"
	}
	environment := strings.TrimSpace(c.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

const (
	OutcomeRecorded = "recorded"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"

	OutcomeSent     = "sent"
	OutcomeNoop     = "noop"
	OutcomeConflict = "conflict"

	NotificationSpecification = "specification"
	NotificationUsage         = "usage"
)

// AccountingMetrics tracks metering and notification health.
type AccountingMetrics struct {
	meteringEvents   *prometheus.CounterVec
	meteredValue     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	usageAPIDuration *prometheus.HistogramVec
	notifyRuns       *prometheus.CounterVec
}

var (
	accountingMetricsOnce sync.Once
	accountingMetrics     *AccountingMetrics
)

// Accounting returns the singleton accounting metrics registry.
func Accounting() *AccountingMetrics {
	return AccountingWithConfig(Config{})
}

// AccountingWithConfig returns the singleton accounting metrics registry using config labels.
func AccountingWithConfig(cfg Config) *AccountingMetrics {
	accountingMetricsOnce.Do(func() {
		accountingMetrics = newAccountingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return accountingMetrics
}

// ResetAccountingMetricsForTest resets the accounting metrics singleton for tests.
func ResetAccountingMetricsForTest() {
	accountingMetricsOnce = sync.Once{}
	accountingMetrics = nil
}

// NewAccountingMetricsForTest builds an unshared registry-scoped instance.
func NewAccountingMetricsForTest(registerer prometheus.Registerer) *AccountingMetrics {
	return newAccountingMetrics(registerer, Config{ServiceName: "accountingproxy", Environment: "test"})
}

func newAccountingMetrics(registerer prometheus.Registerer, cfg Config) *AccountingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := cfg.constLabels()

	meteringEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "accounting_metering_total",
		Help:        "Metered requests by unit and outcome.",
		ConstLabels: constLabels,
	}, []string{"unit", "outcome"})
	meteredValue := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "accounting_metered_value_total",
		Help:        "Sum of metered amounts added to accounting records by unit.",
		ConstLabels: constLabels,
	}, []string{"unit"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "accounting_notifications_total",
		Help:        "Usage management notifications by kind and outcome.",
		ConstLabels: constLabels,
	}, []string{"kind", "outcome"})
	usageAPIDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "accounting_usage_api_duration_seconds",
		Help:        "Latency of calls to the usage management API.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"kind", "outcome"})
	notifyRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "accounting_notify_runs_total",
		Help:        "Notification runs by mode and outcome.",
		ConstLabels: constLabels,
	}, []string{"mode", "outcome"})

	registerer.MustRegister(
		meteringEvents,
		meteredValue,
		notifications,
		usageAPIDuration,
		notifyRuns,
	)

	return &AccountingMetrics{
		meteringEvents:   meteringEvents,
		meteredValue:     meteredValue,
		notifications:    notifications,
		usageAPIDuration: usageAPIDuration,
		notifyRuns:       notifyRuns,
	}
}

// IncMetering counts one metering attempt.
func (m *AccountingMetrics) IncMetering(unit, outcome string) {
	if m == nil {
		return
	}
	m.meteringEvents.WithLabelValues(normalizeLabel(unit), outcome).Inc()
}

// AddMeteredValue adds a metered amount. Non-positive amounts are ignored.
func (m *AccountingMetrics) AddMeteredValue(unit string, amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.meteredValue.WithLabelValues(normalizeLabel(unit)).Add(amount.InexactFloat64())
}

// IncNotification counts one specification or usage publication attempt.
func (m *AccountingMetrics) IncNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

// ObserveUsageAPI records the latency of one usage management API call.
func (m *AccountingMetrics) ObserveUsageAPI(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.usageAPIDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

// IncNotifyRun counts one notification run.
func (m *AccountingMetrics) IncNotifyRun(mode, outcome string) {
	if m == nil {
		return
	}
	m.notifyRuns.WithLabelValues(mode, outcome).Inc()
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
