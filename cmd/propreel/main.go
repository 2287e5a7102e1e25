package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/propreel/propreel/internal/cache"
	"github.com/propreel/propreel/internal/clock"
	"github.com/propreel/propreel/internal/config"
	"github.com/propreel/propreel/internal/generation"
	"github.com/propreel/propreel/internal/ledger"
	"github.com/propreel/propreel/internal/logger"
	"github.com/propreel/propreel/internal/migration"
	"github.com/propreel/propreel/internal/observability"
	"github.com/propreel/propreel/internal/providers/inference"
	"github.com/propreel/propreel/internal/ratelimit"
	"github.com/propreel/propreel/internal/server"
	"github.com/propreel/propreel/internal/worker"
	"github.com/propreel/propreel/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		migration.Module,

		ledger.Module,
		inference.Module,
		generation.Module,
		cache.Module,
		ratelimit.Module,
		worker.Module,

		server.Module,
	)
	app.Run()
}

// newSnowflakeNode builds the process-wide ID generator. NODE_ID keeps IDs
// unique across replicas.
func newSnowflakeNode() *snowflake.Node {
	nodeID := int64(1)
	if raw := os.Getenv("NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
