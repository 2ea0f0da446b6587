package unit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

const UnitMegabyte = "megabyte"

var bytesPerMegabyte = decimal.NewFromInt(1_000_000)

// Megabyte counts request plus response payload in decimal megabytes.
type Megabyte struct{}

func (Megabyte) Name() string { return UnitMegabyte }

func (Megabyte) Count(_ context.Context, info RequestInfo) (decimal.Decimal, error) {
	if info.RequestBytes < 0 || info.ResponseBytes < 0 {
		return decimal.Zero, fmt.Errorf("%w: negative payload size", ErrInvalidRequest)
	}
	total := decimal.NewFromInt(info.RequestBytes).Add(decimal.NewFromInt(info.ResponseBytes))
	return total.Div(bytesPerMegabyte), nil
}

func (Megabyte) Specification() Specification {
	return newSpecification(UnitMegabyte, "Spec for megabyte usage")
}
