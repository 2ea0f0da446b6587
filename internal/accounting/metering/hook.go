// Package metering measures proxied requests and accumulates the result into
// the matching accounting record.
package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"github.com/smallbiznis/accountingproxy/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/internal/unit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultCountTimeout = 2 * time.Second
	unitUnbilled        = "unbilled"
)

var errCountPanic = errors.New("count_panic")

// Request identifies the caller of one proxied request.
type Request struct {
	Customer    string
	Domain      string
	ServicePath string
	Info        unit.RequestInfo
}

// Result describes what the hook did with one request.
type Result struct {
	OrderID   string          `json:"orderId,omitempty"`
	ProductID string          `json:"productId,omitempty"`
	Unit      string          `json:"unit"`
	Value     decimal.Decimal `json:"value"`
	Outcome   string          `json:"outcome"`
}

type Params struct {
	fx.In

	Repo     domain.Repository
	Registry *unit.Registry
	Clock    clock.Clock
	Config   config.Config
	Log      *zap.Logger
	Metrics  *obsmetrics.AccountingMetrics `optional:"true"`
}

type Hook struct {
	repo         domain.Repository
	registry     *unit.Registry
	clock        clock.Clock
	log          *zap.Logger
	metrics      *obsmetrics.AccountingMetrics
	countTimeout time.Duration
}

func New(p Params) *Hook {
	timeout := p.Config.CountTimeout
	if timeout <= 0 {
		timeout = defaultCountTimeout
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Hook{
		repo:         p.Repo,
		registry:     p.Registry,
		clock:        clk,
		log:          log.Named("accounting.metering"),
		metrics:      p.Metrics,
		countTimeout: timeout,
	}
}

// Meter accounts one request. It never fails: every error degrades to an
// unmetered request plus a log entry.
func (h *Hook) Meter(ctx context.Context, req Request) Result {
	result := Result{Unit: unitUnbilled, Outcome: obsmetrics.OutcomeSkipped}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("metering panic recovered", zap.Any("panic", r))
			result.Outcome = obsmetrics.OutcomeFailed
		}
		h.metrics.IncMetering(result.Unit, result.Outcome)
	}()

	customer := strings.TrimSpace(req.Customer)
	domainName := strings.TrimSpace(req.Domain)
	servicePath := strings.TrimSpace(req.ServicePath)
	if customer == "" || domainName == "" || servicePath == "" {
		return result
	}

	log := logger.WithCaller(logger.WithContext(ctx, h.log), customer, domainName, servicePath)

	record, err := h.repo.FindUnit(ctx, customer, domainName, servicePath)
	if err != nil {
		if !errors.Is(err, domain.ErrAccountingNotFound) {
			log.Warn("lookup accounting unit failed", zap.Error(err))
			result.Outcome = obsmetrics.OutcomeFailed
		}
		return result
	}
	result.OrderID = record.OrderID
	result.ProductID = record.ProductID
	result.Unit = record.Unit
	log = logger.WithUnit(log, record.OrderID, record.ProductID).With(zap.String("unit", record.Unit))

	strategy, err := h.registry.Resolve(record.Unit)
	if err != nil {
		log.Warn("no metering strategy for unit", zap.Error(err))
		result.Outcome = obsmetrics.OutcomeFailed
		return result
	}

	value, err := h.count(ctx, strategy, req.Info)
	if err != nil {
		log.Warn("metering count failed", zap.Error(err))
		result.Outcome = obsmetrics.OutcomeFailed
		return result
	}
	if value.IsZero() {
		return result
	}

	if err := h.repo.Accumulate(ctx, record.OrderID, record.ProductID, value); err != nil {
		if errors.Is(err, domain.ErrAccountingNotFound) {
			log.Debug("accounting record removed before accumulate")
			return result
		}
		log.Warn("accumulate usage failed", zap.String("value", value.String()), zap.Error(err))
		result.Outcome = obsmetrics.OutcomeFailed
		return result
	}

	result.Value = value
	result.Outcome = obsmetrics.OutcomeRecorded
	h.metrics.AddMeteredValue(record.Unit, value)
	log.Debug("usage metered", zap.String("value", value.String()))
	return result
}

type countResult struct {
	value decimal.Decimal
	err   error
}

// count runs the strategy under the count timeout. A strategy that ignores its
// context is abandoned once the deadline passes.
func (h *Hook) count(ctx context.Context, strategy unit.Strategy, info unit.RequestInfo) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, h.countTimeout)
	defer cancel()

	done := make(chan countResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- countResult{err: fmt.Errorf("%w: %v", errCountPanic, r)}
			}
		}()
		value, err := strategy.Count(ctx, info)
		done <- countResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return decimal.Zero, res.err
		}
		if res.value.IsNegative() {
			return decimal.Zero, domain.ErrInvalidValue
		}
		return res.value, nil
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}
