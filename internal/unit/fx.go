package unit

import (
	"github.com/smallbiznis/accountingproxy/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("unit.registry",
	fx.Provide(func(holder *config.AccountingConfigHolder) (*Registry, error) {
		return NewRegistry(holder.Get().Units)
	}),
)
