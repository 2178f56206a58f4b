package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/practikit/billing/internal/attachment"
	"github.com/practikit/billing/internal/clock"
	"github.com/practikit/billing/internal/config"
	"github.com/practikit/billing/internal/event"
	"github.com/practikit/billing/internal/invoicing"
	"github.com/practikit/billing/internal/logger"
	"github.com/practikit/billing/internal/migration"
	"github.com/practikit/billing/internal/reviewqueue"
	"github.com/practikit/billing/internal/scheduler"
	"github.com/practikit/billing/internal/server"
	"github.com/practikit/billing/internal/statement"
	"github.com/practikit/billing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		event.Module,
		statement.Module,
		attachment.Module,
		invoicing.Module,
		reviewqueue.Module,
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
