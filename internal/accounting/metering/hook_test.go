package metering

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/accountingtest"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/repository"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/config"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStrategy struct {
	name  string
	count func(ctx context.Context, info unit.RequestInfo) (decimal.Decimal, error)
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) Count(ctx context.Context, info unit.RequestInfo) (decimal.Decimal, error) {
	return s.count(ctx, info)
}

func (s stubStrategy) Specification() unit.Specification { return unit.Specification{Name: s.name} }

type fixture struct {
	repo     domain.Repository
	hook     *Hook
	clock    *clock.FakeClock
	registry *prometheus.Registry
}

func newFixture(t *testing.T, extra ...unit.Strategy) *fixture {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	repo := repository.Provide(accountingtest.NewDB(t), clk)

	strategies := append([]unit.Strategy{unit.Call{}, unit.Megabyte{}, unit.Second{}}, extra...)
	reg, err := unit.NewRegistryFromStrategies(strategies...)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	hook := New(Params{
		Repo:     repo,
		Registry: reg,
		Clock:    clk,
		Config:   config.Config{CountTimeout: 50 * time.Millisecond},
		Metrics:  obsmetrics.NewAccountingMetricsForTest(promReg),
	})
	return &fixture{repo: repo, hook: hook, clock: clk, registry: promReg}
}

func (f *fixture) acquire(t *testing.T, orderID, customer, servicePath, unitName string) {
	t.Helper()
	require.NoError(t, f.repo.CreateAccounting(context.Background(), domain.AccountingRecord{
		OrderID:     orderID,
		ProductID:   "P1",
		Customer:    customer,
		Domain:      "orion",
		ServicePath: servicePath,
		RoleID:      "customer",
		Unit:        unitName,
	}))
}

func (f *fixture) value(t *testing.T, orderID string) decimal.Decimal {
	t.Helper()
	rec, err := f.repo.GetAccounting(context.Background(), orderID, "P1")
	require.NoError(t, err)
	return rec.Value
}

func (f *fixture) meteringCount(t *testing.T, unitName, outcome string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "accounting_metering_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["unit"] == unitName && labels["outcome"] == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func request(customer, servicePath string, info unit.RequestInfo) Request {
	return Request{Customer: customer, Domain: "orion", ServicePath: servicePath, Info: info}
}

func TestMeterAccumulatesCalls(t *testing.T) {
	f := newFixture(t)
	f.acquire(t, "O1", "C1", "/", unit.UnitCall)

	for i := 0; i < 3; i++ {
		result := f.hook.Meter(context.Background(), request("C1", "/", unit.RequestInfo{}))
		assert.Equal(t, obsmetrics.OutcomeRecorded, result.Outcome)
		assert.Equal(t, "O1", result.OrderID)
		assert.Equal(t, unit.UnitCall, result.Unit)
	}

	assert.True(t, f.value(t, "O1").Equal(decimal.NewFromInt(3)))
	assert.Equal(t, float64(3), f.meteringCount(t, unit.UnitCall, obsmetrics.OutcomeRecorded))
}

func TestMeterAccumulatesFractionalUnits(t *testing.T) {
	f := newFixture(t)
	f.acquire(t, "O1", "C1", "/data", unit.UnitMegabyte)
	f.acquire(t, "O2", "C1", "/slow", unit.UnitSecond)

	f.hook.Meter(context.Background(), request("C1", "/data", unit.RequestInfo{RequestBytes: 250000, ResponseBytes: 1250000}))
	f.hook.Meter(context.Background(), request("C1", "/data", unit.RequestInfo{ResponseBytes: 500000}))

	start := f.clock.Now()
	f.hook.Meter(context.Background(), request("C1", "/slow", unit.RequestInfo{
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	}))

	assert.True(t, f.value(t, "O1").Equal(decimal.NewFromInt(2)), f.value(t, "O1").String())
	assert.True(t, f.value(t, "O2").Equal(decimal.RequireFromString("1.5")), f.value(t, "O2").String())
}

func TestMeterUnbilledRequests(t *testing.T) {
	f := newFixture(t)
	f.acquire(t, "O1", "C1", "/", unit.UnitCall)

	cases := []Request{
		request("", "/", unit.RequestInfo{}),
		request("C1", "", unit.RequestInfo{}),
		{Customer: "C1", ServicePath: "/"},
		request("C2", "/", unit.RequestInfo{}),
		request("C1", "/other", unit.RequestInfo{}),
	}
	for _, req := range cases {
		result := f.hook.Meter(context.Background(), req)
		assert.Equal(t, obsmetrics.OutcomeSkipped, result.Outcome)
	}

	assert.True(t, f.value(t, "O1").IsZero())
	assert.Equal(t, float64(len(cases)), f.meteringCount(t, unitUnbilled, obsmetrics.OutcomeSkipped))
}

func TestMeterFailuresNeverSurface(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newFixture(t,
		stubStrategy{name: "broken", count: func(context.Context, unit.RequestInfo) (decimal.Decimal, error) {
			return decimal.Zero, errors.New("boom")
		}},
		stubStrategy{name: "panicky", count: func(context.Context, unit.RequestInfo) (decimal.Decimal, error) {
			panic("strategy bug")
		}},
		stubStrategy{name: "negative", count: func(context.Context, unit.RequestInfo) (decimal.Decimal, error) {
			return decimal.NewFromInt(-1), nil
		}},
		stubStrategy{name: "stuck", count: func(context.Context, unit.RequestInfo) (decimal.Decimal, error) {
			<-release
			return decimal.NewFromInt(1), nil
		}},
	)
	f.acquire(t, "O1", "C1", "/broken", "broken")
	f.acquire(t, "O2", "C1", "/panicky", "panicky")
	f.acquire(t, "O3", "C1", "/negative", "negative")
	f.acquire(t, "O4", "C1", "/stuck", "stuck")
	f.acquire(t, "O5", "C1", "/unknown", "kilowatt")

	for _, path := range []string{"/broken", "/panicky", "/negative", "/stuck", "/unknown"} {
		started := time.Now()
		result := f.hook.Meter(context.Background(), request("C1", path, unit.RequestInfo{}))
		assert.Equal(t, obsmetrics.OutcomeFailed, result.Outcome, path)
		assert.Less(t, time.Since(started), time.Second, path)
	}

	for _, orderID := range []string{"O1", "O2", "O3", "O4", "O5"} {
		assert.True(t, f.value(t, orderID).IsZero(), orderID)
	}
	assert.Equal(t, float64(1), f.meteringCount(t, "kilowatt", obsmetrics.OutcomeFailed))
}

func TestMeterRecordDeletedBeforeAccumulate(t *testing.T) {
	var f *fixture
	f = newFixture(t, stubStrategy{name: "vanishing", count: func(ctx context.Context, _ unit.RequestInfo) (decimal.Decimal, error) {
		assert.NoError(t, f.repo.DeleteAccounting(ctx, "O1", "P1"))
		return decimal.NewFromInt(1), nil
	}})
	f.acquire(t, "O1", "C1", "/", "vanishing")

	result := f.hook.Meter(context.Background(), request("C1", "/", unit.RequestInfo{}))
	assert.Equal(t, obsmetrics.OutcomeSkipped, result.Outcome)
}

func TestMeterConcurrentRequestsSum(t *testing.T) {
	f := newFixture(t)
	f.acquire(t, "O1", "C1", "/", unit.UnitCall)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.hook.Meter(context.Background(), request("C1", "/", unit.RequestInfo{}))
		}()
	}
	wg.Wait()

	assert.True(t, f.value(t, "O1").Equal(decimal.NewFromInt(20)))
}

func TestGinMiddlewareMetersServedRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.acquire(t, "O1", "C1", "/rooms", unit.UnitCall)
	f.acquire(t, "O2", "C1", "/bulk", unit.UnitMegabyte)

	var loggedUnit string
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		loggedUnit = c.GetString(ContextKeyUnit)
	})
	r.Use(GinMiddleware(f.hook, HeaderConfig{}))
	r.Any("/v2/entities", func(c *gin.Context) {
		if c.GetHeader(HeaderServicePath) == "/bulk" {
			c.String(http.StatusOK, strings.Repeat("x", 1000000))
			return
		}
		c.String(http.StatusOK, "ok")
	})

	serve := func(servicePath string, withIdentity bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v2/entities", nil)
		if withIdentity {
			req.Header.Set(HeaderNickName, "C1")
			req.Header.Set(HeaderService, "orion")
			req.Header.Set(HeaderServicePath, servicePath)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := serve("/rooms", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, unit.UnitCall, loggedUnit)

	rec = serve("/bulk", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, unit.UnitMegabyte, loggedUnit)

	rec = serve("/rooms", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, loggedUnit)

	assert.True(t, f.value(t, "O1").Equal(decimal.NewFromInt(1)))
	assert.True(t, f.value(t, "O2").Equal(decimal.NewFromInt(1)), f.value(t, "O2").String())
}

func TestHeaderConfigDefaults(t *testing.T) {
	h := HeaderConfig{Customer: "X-User"}.withDefaults()
	assert.Equal(t, "X-User", h.Customer)
	assert.Equal(t, HeaderService, h.Domain)
	assert.Equal(t, HeaderServicePath, h.ServicePath)
}
