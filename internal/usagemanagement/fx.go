package usagemanagement

import "go.uber.org/fx"

var Module = fx.Module("usagemanagement",
	fx.Provide(NewClient),
)
