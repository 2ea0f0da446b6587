package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Repository is the durable usage store.
type Repository interface {
	CreateAccounting(ctx context.Context, record AccountingRecord) error
	DeleteAccounting(ctx context.Context, orderID, productID string) error
	GetAccounting(ctx context.Context, orderID, productID string) (AccountingRecord, error)
	ListAccounting(ctx context.Context) ([]AccountingRecord, error)
	FindUnit(ctx context.Context, customer, domain, servicePath string) (AccountingRecord, error)

	Accumulate(ctx context.Context, orderID, productID string, delta decimal.Decimal) error
	ResetAfterNotify(ctx context.Context, orderID, productID string) error
	SettleNotified(ctx context.Context, notified AccountingRecord) error
	PendingNotifications(ctx context.Context) ([]AccountingRecord, error)
	PendingNotification(ctx context.Context, orderID, productID string) (AccountingRecord, error)

	GetSpecificationHref(ctx context.Context, unit string) (string, error)
	SetSpecificationHref(ctx context.Context, unit, href string, descriptor []byte) error

	GetToken(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
}

var (
	ErrInvalidKey            = errors.New("invalid_accounting_key")
	ErrInvalidValue          = errors.New("invalid_value")
	ErrInvalidUnit           = errors.New("invalid_unit")
	ErrInvalidToken          = errors.New("invalid_token")
	ErrInvalidHref           = errors.New("invalid_href")
	ErrInvalidAcquisition    = errors.New("invalid_acquisition")
	ErrDuplicateAccounting   = errors.New("duplicate_accounting")
	ErrAccountingNotFound    = errors.New("accounting_not_found")
	ErrStaleCorrelation      = errors.New("stale_correlation_number")
	ErrSpecificationNotFound = errors.New("specification_not_found")
	ErrSpecificationConflict = errors.New("specification_conflict")
	ErrTokenNotFound         = errors.New("token_not_found")
	ErrNotificationFailed    = errors.New("notification_failed")
)
