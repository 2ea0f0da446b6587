package accounting

import (
	"github.com/smallbiznis/accountingproxy/internal/accounting/metering"
	"github.com/smallbiznis/accountingproxy/internal/accounting/notifier"
	"github.com/smallbiznis/accountingproxy/internal/accounting/repository"
	"github.com/smallbiznis/accountingproxy/internal/accounting/service"
	"go.uber.org/fx"
)

var Module = fx.Module("accounting.service",
	fx.Provide(repository.Provide),
	notifier.Module,
	metering.Module,
	fx.Provide(func(n *notifier.Notifier) service.Notifier { return n }),
	fx.Provide(service.New),
)
