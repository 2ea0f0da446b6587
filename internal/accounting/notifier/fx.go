package notifier

import (
	"github.com/smallbiznis/accountingproxy/internal/usagemanagement"
	"go.uber.org/fx"
)

var Module = fx.Module("accounting.notifier",
	fx.Provide(func(c *usagemanagement.Client) UsageAPI { return c }),
	fx.Provide(New),
)
