package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fieldline/snapcalls/internal/account"
	"github.com/fieldline/snapcalls/internal/alert"
	"github.com/fieldline/snapcalls/internal/callevent"
	"github.com/fieldline/snapcalls/internal/clock"
	"github.com/fieldline/snapcalls/internal/config"
	"github.com/fieldline/snapcalls/internal/ledger"
	"github.com/fieldline/snapcalls/internal/observability"
	"github.com/fieldline/snapcalls/internal/payments"
	"github.com/fieldline/snapcalls/internal/providers"
	"github.com/fieldline/snapcalls/internal/ratelimit"
	"github.com/fieldline/snapcalls/internal/scheduler"
	"github.com/fieldline/snapcalls/internal/subscription"
	"github.com/fieldline/snapcalls/pkg/db"
	"go.uber.org/fx"
)

// Standalone worker: runs the periodic jobs without the HTTP surface.
// Use SCHEDULER_ENABLED_JOBS to shard jobs across replicas; the redis
// job locks keep overlapping replicas from double-running.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,

		providers.Module,
		ratelimit.Module,

		ledger.Module,
		account.Module,
		subscription.Module,
		callevent.Module,
		payments.Module,
		alert.Module,

		scheduler.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
