package metering

import "go.uber.org/fx"

var Module = fx.Module("accounting.metering",
	fx.Provide(New),
)
