// Package unit contains the metering strategies and the registry that resolves
// them by unit name.
package unit

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnitNotFound      = errors.New("unit_not_found")
	ErrInvalidRequest    = errors.New("invalid_request_info")
	ErrNoUnitsConfigured = errors.New("no_units_configured")
)

// RequestInfo is what the host observed about one proxied request.
type RequestInfo struct {
	Method        string
	Path          string
	StatusCode    int
	RequestBytes  int64
	ResponseBytes int64
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Strategy measures one request in a single unit and describes that unit.
type Strategy interface {
	Name() string
	// Count returns a non-negative amount for the request.
	Count(ctx context.Context, info RequestInfo) (decimal.Decimal, error)
	Specification() Specification
}
