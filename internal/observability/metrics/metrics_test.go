package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type httpStatusErr int

func (e httpStatusErr) Error() string   { return http.StatusText(int(e)) }
func (e httpStatusErr) HTTPStatus() int { return int(e) }

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: fmt.Errorf("wrap: %w", context.DeadlineExceeded), want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "db", err: gorm.ErrInvalidTransaction, want: SchedulerJobReasonDB},
		{name: "mysql_lock_wait", err: fmt.Errorf("settle: %w", &mysql.MySQLError{Number: 1205}), want: SchedulerJobReasonDBLockTimeout},
		{name: "mysql_deadlock", err: &mysql.MySQLError{Number: 1213}, want: SchedulerJobReasonSerializationFailure},
		{name: "mysql_duplicate", err: &mysql.MySQLError{Number: 1062}, want: SchedulerJobReasonUniqueViolation},
		{name: "mysql_other", err: &mysql.MySQLError{Number: 1146}, want: SchedulerJobReasonDB},
		{name: "api_rejected", err: httpStatusErr(400), want: SchedulerJobReasonUsageAPIRejected},
		{name: "api_unavailable", err: fmt.Errorf("order o1: %w", httpStatusErr(503)), want: SchedulerJobReasonUsageAPIUnavailable},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSchedulerMetricsForTest(registry)

	m.AddBatchProcessed("notify_usage", "units", 3)
	m.AddBatchProcessed("notify_usage", "units", 0)

	got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("notify_usage", "units"))
	assert.Equal(t, float64(3), got)
}

func TestAccountingMetricsCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewAccountingMetricsForTest(registry)

	m.IncMetering(" Call ", OutcomeRecorded)
	m.IncMetering("call", OutcomeRecorded)
	m.AddMeteredValue("megabyte", decimal.RequireFromString("0.25"))
	m.AddMeteredValue("megabyte", decimal.Zero)
	m.IncNotification(NotificationUsage, OutcomeSent)
	m.ObserveUsageAPI(NotificationUsage, OutcomeSent, 20*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.meteringEvents.WithLabelValues("call", OutcomeRecorded)))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.meteredValue.WithLabelValues("megabyte")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.notifications.WithLabelValues(NotificationUsage, OutcomeSent)))

	families, err := registry.Gather()
	require.NoError(t, err)
	var labels []*dto.LabelPair
	for _, family := range families {
		if family.GetName() == "accounting_metering_total" {
			labels = family.GetMetric()[0].GetLabel()
		}
	}
	require.NotEmpty(t, labels)
	found := map[string]string{}
	for _, pair := range labels {
		found[pair.GetName()] = pair.GetValue()
	}
	assert.Equal(t, "accountingproxy", found["service"])
	assert.Equal(t, "test", found["env"])
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *AccountingMetrics
	m.IncMetering("call", OutcomeFailed)
	m.IncNotifyRun("manual", OutcomeSent)

	var s *SchedulerMetrics
	s.IncJobRun("job")
	s.ObserveRunLoopLag(-time.Second)
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	httpMetrics, err := NewHTTPMetrics(registry, Config{})
	require.NoError(t, err)

	r := gin.New()
	r.Use(GinMiddleware(httpMetrics))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(httpMetrics.requests.WithLabelValues(http.MethodGet, "/health", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(httpMetrics.requests.WithLabelValues(http.MethodGet, "unknown", "404")))

	_, err = NewHTTPMetrics(registry, Config{})
	assert.Error(t, err)
}

func TestRegisterBuildInfo(t *testing.T) {
	registry := prometheus.NewRegistry()
	cfg := Config{ServiceName: "accountingproxy", Environment: "test"}
	require.NoError(t, RegisterBuildInfo(registry, cfg, "", []string{"call", " Megabyte "}))

	families, err := registry.Gather()
	require.NoError(t, err)
	series := map[string][]string{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "version" || lp.GetName() == "unit" {
					series[mf.GetName()] = append(series[mf.GetName()], lp.GetValue())
				}
			}
		}
	}
	assert.Equal(t, []string{"unknown"}, series["accounting_build_info"])
	assert.ElementsMatch(t, []string{"call", "megabyte"}, series["accounting_unit_enabled"])

	err = RegisterBuildInfo(registry, cfg, "1.0.0", nil)
	var already prometheus.AlreadyRegisteredError
	assert.True(t, errors.As(err, &already), "expected duplicate registration, got %v", err)
}
