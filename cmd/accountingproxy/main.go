package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/accountingproxy/internal/accounting"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"github.com/smallbiznis/accountingproxy/internal/migration"
	"github.com/smallbiznis/accountingproxy/internal/observability"
	"github.com/smallbiznis/accountingproxy/internal/ratelimit"
	"github.com/smallbiznis/accountingproxy/internal/scheduler"
	"github.com/smallbiznis/accountingproxy/internal/server"
	"github.com/smallbiznis/accountingproxy/internal/unit"
	"github.com/smallbiznis/accountingproxy/internal/usagemanagement"
	"github.com/smallbiznis/accountingproxy/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Accounting pipeline
		unit.Module,
		usagemanagement.Module,
		accounting.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
