package unit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

const UnitSecond = "second"

// Second counts the elapsed request time, rounded to the millisecond.
type Second struct{}

func (Second) Name() string { return UnitSecond }

func (Second) Count(_ context.Context, info RequestInfo) (decimal.Decimal, error) {
	if info.StartedAt.IsZero() || info.FinishedAt.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: missing request timing", ErrInvalidRequest)
	}
	elapsed := info.FinishedAt.Sub(info.StartedAt)
	if elapsed < 0 {
		return decimal.Zero, fmt.Errorf("%w: request finished before it started", ErrInvalidRequest)
	}
	return decimal.New(elapsed.Nanoseconds(), -9).Round(3), nil
}

func (Second) Specification() Specification {
	return newSpecification(UnitSecond, "Spec for second usage")
}
