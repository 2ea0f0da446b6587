package unit

import (
	"context"

	"github.com/shopspring/decimal"
)

const UnitCall = "call"

// Call counts every request as one.
type Call struct{}

func (Call) Name() string { return UnitCall }

func (Call) Count(context.Context, RequestInfo) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (Call) Specification() Specification {
	return newSpecification(UnitCall, "Spec for call usage")
}
