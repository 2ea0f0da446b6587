// Package notifier reports accumulated usage to the usage management API and
// settles the reported records.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"github.com/smallbiznis/accountingproxy/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/internal/ratelimit"
	"github.com/smallbiznis/accountingproxy/internal/unit"
	"github.com/smallbiznis/accountingproxy/internal/usagemanagement"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	LockKey = "accounting:notify"

	defaultConcurrency = 8
	defaultLockTTL     = 10 * time.Minute
	releaseTimeout     = 5 * time.Second

	modeBatch  = "batch"
	modeSingle = "single"
)

var (
	ErrNoToken                = errors.New("no_api_token")
	ErrNotificationInProgress = errors.New("notification_in_progress")
)

// UsageAPI is the subset of the usage management client the notifier needs.
type UsageAPI interface {
	BaseURL() string
	CreateSpecification(ctx context.Context, token string, spec unit.Specification) (string, error)
	CreateUsage(ctx context.Context, token string, usage usagemanagement.Usage) error
}

type Params struct {
	fx.In

	Repo     domain.Repository
	Registry *unit.Registry
	API      UsageAPI
	Clock    clock.Clock
	Config   config.Config
	Log      *zap.Logger
	Locker   *ratelimit.Locker             `optional:"true"`
	Metrics  *obsmetrics.AccountingMetrics `optional:"true"`
}

type Notifier struct {
	repo     domain.Repository
	registry *unit.Registry
	api      UsageAPI
	clock    clock.Clock
	log      *zap.Logger
	metrics  *obsmetrics.AccountingMetrics

	locker      *ratelimit.Locker
	local       chan struct{}
	lockTTL     time.Duration
	concurrency int

	specs singleflight.Group
}

func New(p Params) *Notifier {
	concurrency := p.Config.Notify.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	lockTTL := p.Config.Notify.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		repo:        p.Repo,
		registry:    p.Registry,
		api:         p.API,
		clock:       p.Clock,
		log:         log.Named("accounting.notifier"),
		metrics:     p.Metrics,
		locker:      p.Locker,
		local:       make(chan struct{}, 1),
		lockTTL:     lockTTL,
		concurrency: concurrency,
	}
}

// NotifyUsage reports and settles the pending usage of one record.
func (n *Notifier) NotifyUsage(ctx context.Context, orderID, productID string) (err error) {
	defer func() { n.metrics.IncNotifyRun(modeSingle, runOutcome(err)) }()

	token, err := n.token(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return ErrNoToken
		}
		return err
	}

	release, err := n.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	record, err := n.repo.PendingNotification(ctx, orderID, productID)
	if err != nil {
		return err
	}
	if !record.Pending() {
		return nil
	}

	href, err := n.ensureSpecification(ctx, token, record.Unit)
	if err != nil {
		return err
	}
	return n.publishUsage(ctx, token, href, record)
}

// NotifyAllUsage reports every record with pending usage. Records are independent:
// one failure does not stop the others. Without a token nothing is sent.
func (n *Notifier) NotifyAllUsage(ctx context.Context) (report Report, err error) {
	defer func() {
		outcome := runOutcome(err)
		if err == nil && report.Err() != nil {
			outcome = obsmetrics.OutcomeFailed
		}
		n.metrics.IncNotifyRun(modeBatch, outcome)
	}()

	token, err := n.token(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			n.log.Debug("no api token, skipping notification")
			return Report{}, nil
		}
		return Report{}, err
	}

	release, err := n.acquire(ctx, false)
	if err != nil {
		return Report{}, err
	}
	defer release()

	pending, err := n.repo.PendingNotifications(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read pending notifications: %w", err)
	}
	if len(pending) == 0 {
		return Report{}, nil
	}

	specs := n.ensureSpecifications(ctx, token, distinctUnits(pending))

	report.Outcomes = make([]Outcome, len(pending))
	g := errgroup.Group{}
	g.SetLimit(n.concurrency)
	for i, record := range pending {
		report.Outcomes[i] = newOutcome(record)
		spec := specs[record.Unit]
		if spec.err != nil {
			report.Outcomes[i].Err = fmt.Errorf("usage specification for unit %s: %w", record.Unit, spec.err)
			continue
		}
		g.Go(func() error {
			report.Outcomes[i].Err = n.publishUsage(ctx, token, spec.href, record)
			return nil
		})
	}
	_ = g.Wait()

	n.log.Info("usage notification finished",
		zap.Int("records", len(report.Outcomes)),
		zap.Int("sent", report.Sent()),
		zap.Int("failed", report.Failed()),
	)
	return report, nil
}

type specResult struct {
	href string
	err  error
}

func (n *Notifier) ensureSpecifications(ctx context.Context, token string, units []string) map[string]specResult {
	results := make(map[string]specResult, len(units))
	var mu sync.Mutex

	g := errgroup.Group{}
	g.SetLimit(n.concurrency)
	for _, unitName := range units {
		g.Go(func() error {
			href, err := n.ensureSpecification(ctx, token, unitName)
			mu.Lock()
			results[unitName] = specResult{href: href, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ensureSpecification returns the stored href for unitName, publishing the
// specification first when none is on file. The href is stored before it is
// returned, so usage never references an unstored specification.
func (n *Notifier) ensureSpecification(ctx context.Context, token, unitName string) (string, error) {
	href, err := n.repo.GetSpecificationHref(ctx, unitName)
	if err == nil {
		return href, nil
	}
	if !errors.Is(err, domain.ErrSpecificationNotFound) {
		return "", err
	}

	v, err, _ := n.specs.Do(unitName, func() (any, error) {
		return n.publishSpecification(ctx, token, unitName)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (n *Notifier) publishSpecification(ctx context.Context, token, unitName string) (string, error) {
	if href, err := n.repo.GetSpecificationHref(ctx, unitName); err == nil {
		return href, nil
	}

	strategy, err := n.registry.Resolve(unitName)
	if err != nil {
		return "", err
	}
	spec := strategy.Specification()

	href, err := n.api.CreateSpecification(ctx, token, spec)
	if err != nil {
		n.metrics.IncNotification(obsmetrics.NotificationSpecification, obsmetrics.OutcomeFailed)
		n.log.Warn("usage specification rejected", zap.String("unit", unitName), zap.Error(err))
		return "", err
	}

	descriptor, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	if err := n.repo.SetSpecificationHref(ctx, unitName, href, descriptor); err != nil {
		if !errors.Is(err, domain.ErrSpecificationConflict) {
			n.metrics.IncNotification(obsmetrics.NotificationSpecification, obsmetrics.OutcomeFailed)
			return "", fmt.Errorf("store usage specification href: %w", err)
		}
		n.metrics.IncNotification(obsmetrics.NotificationSpecification, obsmetrics.OutcomeConflict)
		return n.repo.GetSpecificationHref(ctx, unitName)
	}

	n.metrics.IncNotification(obsmetrics.NotificationSpecification, obsmetrics.OutcomeSent)
	n.log.Info("usage specification published", zap.String("unit", unitName), zap.String("href", href))
	return href, nil
}

// publishUsage sends one usage document and settles exactly the reported cycle.
func (n *Notifier) publishUsage(ctx context.Context, token, href string, record domain.AccountingRecord) error {
	log := logger.WithUnit(logger.WithContext(ctx, n.log), record.OrderID, record.ProductID)

	usage := usagemanagement.NewUsage(n.clock.Now(), n.api.BaseURL(), href, record)
	if err := n.api.CreateUsage(ctx, token, usage); err != nil {
		n.metrics.IncNotification(obsmetrics.NotificationUsage, obsmetrics.OutcomeFailed)
		log.Warn("usage notification failed", zap.String("unit", record.Unit), zap.Error(err))
		return err
	}

	if err := n.repo.SettleNotified(ctx, record); err != nil {
		n.metrics.IncNotification(obsmetrics.NotificationUsage, obsmetrics.OutcomeConflict)
		log.Error("usage sent but record not settled",
			zap.Int64("correlation_number", record.CorrelationNumber),
			zap.Error(err),
		)
		return fmt.Errorf("settle notified usage: %w", err)
	}

	n.metrics.IncNotification(obsmetrics.NotificationUsage, obsmetrics.OutcomeSent)
	log.Info("usage notified",
		zap.String("unit", record.Unit),
		zap.String("value", record.Value.String()),
		zap.Int64("correlation_number", record.CorrelationNumber),
	)
	return nil
}

func (n *Notifier) token(ctx context.Context) (string, error) {
	return n.repo.GetToken(ctx)
}

// acquire serializes notification runs. With wait unset a held lock returns
// ErrNotificationInProgress immediately.
func (n *Notifier) acquire(ctx context.Context, wait bool) (func(), error) {
	if n.locker != nil {
		return n.acquireShared(ctx, wait)
	}

	if wait {
		select {
		case n.local <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case n.local <- struct{}{}:
		default:
			return nil, ErrNotificationInProgress
		}
	}
	return func() { <-n.local }, nil
}

func (n *Notifier) acquireShared(ctx context.Context, wait bool) (func(), error) {
	var token string
	if wait {
		t, err := n.locker.Lock(ctx, LockKey, n.lockTTL, 0)
		if err != nil {
			return nil, fmt.Errorf("acquire notification lock: %w", err)
		}
		token = t
	} else {
		t, ok, err := n.locker.TryLock(ctx, LockKey, n.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire notification lock: %w", err)
		}
		if !ok {
			return nil, ErrNotificationInProgress
		}
		token = t
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := n.locker.Release(releaseCtx, LockKey, token); err != nil {
			n.log.Warn("release notification lock", zap.Error(err))
		}
	}, nil
}

func distinctUnits(records []domain.AccountingRecord) []string {
	seen := make(map[string]struct{}, len(records))
	units := make([]string, 0, len(records))
	for _, record := range records {
		if _, ok := seen[record.Unit]; ok {
			continue
		}
		seen[record.Unit] = struct{}{}
		units = append(units, record.Unit)
	}
	return units
}

func runOutcome(err error) string {
	switch {
	case err == nil:
		return obsmetrics.OutcomeSent
	case errors.Is(err, ErrNoToken), errors.Is(err, ErrNotificationInProgress):
		return obsmetrics.OutcomeSkipped
	default:
		return obsmetrics.OutcomeFailed
	}
}

// Outcome is the result of notifying one record.
type Outcome struct {
	OrderID           string          `json:"orderId"`
	ProductID         string          `json:"productId"`
	Unit              string          `json:"unit"`
	Value             decimal.Decimal `json:"value"`
	CorrelationNumber int64           `json:"correlationNumber"`
	Err               error           `json:"-"`
}

func newOutcome(record domain.AccountingRecord) Outcome {
	return Outcome{
		OrderID:           record.OrderID,
		ProductID:         record.ProductID,
		Unit:              record.Unit,
		Value:             record.Value,
		CorrelationNumber: record.CorrelationNumber,
	}
}

// Report lists one outcome per pending record, in store order.
type Report struct {
	Outcomes []Outcome
}

func (r Report) Sent() int {
	sent := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			sent++
		}
	}
	return sent
}

func (r Report) Failed() int {
	return len(r.Outcomes) - r.Sent()
}

// Err joins the failures of every record, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("order %s product %s: %w", o.OrderID, o.ProductID, o.Err))
		}
	}
	return errors.Join(errs...)
}
