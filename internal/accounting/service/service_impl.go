package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/notifier"
	"github.com/smallbiznis/accountingproxy/internal/unit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Notifier is the part of the usage notifier the service drives.
type Notifier interface {
	NotifyUsage(ctx context.Context, orderID, productID string) error
	NotifyAllUsage(ctx context.Context) (notifier.Report, error)
}

type Params struct {
	fx.In

	Repo     domain.Repository
	Registry *unit.Registry
	Notifier Notifier
	Log      *zap.Logger
}

type Service struct {
	repo     domain.Repository
	registry *unit.Registry
	notifier Notifier
	log      *zap.Logger
}

func New(p Params) domain.Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:     p.Repo,
		registry: p.Registry,
		notifier: p.Notifier,
		log:      log.Named("accounting.service"),
	}
}

func (s *Service) Units() []string {
	return s.registry.Units()
}

func (s *Service) RegisterAcquisition(ctx context.Context, req domain.AcquisitionRequest) (*domain.AccountingRecord, error) {
	record := domain.AccountingRecord{
		OrderID:     strings.TrimSpace(req.OrderID),
		ProductID:   strings.TrimSpace(req.ProductID),
		Customer:    strings.TrimSpace(req.Customer),
		Domain:      strings.TrimSpace(req.Acquisition.Domain),
		ServicePath: strings.TrimSpace(req.Acquisition.ServicePath),
		RoleID:      strings.TrimSpace(req.Acquisition.RoleID),
		Unit:        strings.ToLower(strings.TrimSpace(req.Acquisition.Unit)),
	}
	if record.OrderID == "" || record.ProductID == "" {
		return nil, domain.ErrInvalidKey
	}
	if record.Customer == "" || record.Domain == "" || record.ServicePath == "" || record.RoleID == "" {
		return nil, domain.ErrInvalidAcquisition
	}
	if !s.registry.Supports(record.Unit) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidUnit, req.Acquisition.Unit)
	}

	if err := s.repo.CreateAccounting(ctx, record); err != nil {
		return nil, err
	}

	created, err := s.repo.GetAccounting(ctx, record.OrderID, record.ProductID)
	if err != nil {
		return nil, err
	}
	s.log.Info("acquisition registered",
		zap.String("order_id", created.OrderID),
		zap.String("product_id", created.ProductID),
		zap.String("unit", created.Unit),
	)
	return &created, nil
}

// RemoveAcquisition flushes pending usage and then deletes the record. A record
// with pending usage is kept when the flush fails.
func (s *Service) RemoveAcquisition(ctx context.Context, req domain.AcquisitionKey) error {
	orderID := strings.TrimSpace(req.OrderID)
	productID := strings.TrimSpace(req.ProductID)
	if orderID == "" || productID == "" {
		return domain.ErrInvalidKey
	}

	record, err := s.repo.GetAccounting(ctx, orderID, productID)
	if err != nil {
		return err
	}

	if err := s.notifier.NotifyUsage(ctx, orderID, productID); err != nil {
		if !errors.Is(err, notifier.ErrNoToken) || record.Pending() {
			return fmt.Errorf("flush usage before removal: %w", err)
		}
	}

	if err := s.repo.DeleteAccounting(ctx, orderID, productID); err != nil {
		return err
	}
	s.log.Info("acquisition removed",
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
	)
	return nil
}

func (s *Service) SetToken(ctx context.Context, req domain.TokenRequest) error {
	token := strings.TrimSpace(req.APIKey)
	if token == "" {
		return domain.ErrInvalidToken
	}
	if err := s.repo.SetToken(ctx, token); err != nil {
		return err
	}
	s.log.Info("usage api token replaced")
	return nil
}

func (s *Service) ListRecords(ctx context.Context) ([]domain.AccountingRecord, error) {
	return s.repo.ListAccounting(ctx)
}

// NotifyAll runs a batch notification. The result is returned together with
// the aggregated error when any record failed.
func (s *Service) NotifyAll(ctx context.Context) (*domain.NotificationResult, error) {
	report, err := s.notifier.NotifyAllUsage(ctx)
	if err != nil {
		return nil, err
	}

	result := &domain.NotificationResult{
		Sent:     report.Sent(),
		Failed:   report.Failed(),
		Outcomes: make([]domain.NotificationRecord, 0, len(report.Outcomes)),
	}
	for _, o := range report.Outcomes {
		item := domain.NotificationRecord{
			OrderID:           o.OrderID,
			ProductID:         o.ProductID,
			Unit:              o.Unit,
			Value:             o.Value,
			CorrelationNumber: o.CorrelationNumber,
		}
		if o.Err != nil {
			item.Error = o.Err.Error()
		}
		result.Outcomes = append(result.Outcomes, item)
	}
	if err := report.Err(); err != nil {
		return result, fmt.Errorf("%w: %w", domain.ErrNotificationFailed, err)
	}
	return result, nil
}
