package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/quillforge/quillforge/internal/clock"
	"github.com/quillforge/quillforge/internal/config"
	"github.com/quillforge/quillforge/internal/credit"
	"github.com/quillforge/quillforge/internal/idempotency"
	"github.com/quillforge/quillforge/internal/logger"
	"github.com/quillforge/quillforge/internal/migration"
	obsmetrics "github.com/quillforge/quillforge/internal/observability/metrics"
	"github.com/quillforge/quillforge/internal/ratelimit"
	"github.com/quillforge/quillforge/internal/server"
	"github.com/quillforge/quillforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		obsmetrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Ledger domains
		idempotency.Module,
		ratelimit.Module,
		credit.Module,

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
