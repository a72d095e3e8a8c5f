// event-sim publishes synthetic item and order events through the bus for
// smoke-testing a deployment end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/config"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/db"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/eventbus"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/eventstore"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/redisx"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/retry"
)

func main() {
	defaultCount, err := config.Int("SIM_COUNT", 10)
	if err != nil {
		fatal(err.Error())
	}
	defaultInterval, err := config.Duration("SIM_INTERVAL", 0)
	if err != nil {
		fatal(err.Error())
	}

	var (
		redisAddr = flag.String("redis", config.String("REDIS_ADDR", "localhost:6379"), "redis address")
		prefix    = flag.String("prefix", config.String("STREAM_PREFIX", "qrz:stream:"), "stream key prefix")
		count     = flag.Int("count", defaultCount, "events to publish per domain")
		interval  = flag.Duration("interval", defaultInterval, "pause between iterations")
		warehouse = flag.String("warehouse", "WH-1", "warehouse id stamped into metadata")
		useStore  = flag.Bool("store", false, "append to the Postgres event log before publishing (needs DATABASE_URL)")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pubClient, err := redisx.Open(ctx, *redisAddr)
	if err != nil {
		fatal("redis connect: " + err.Error())
	}
	subClient, err := redisx.Open(ctx, *redisAddr)
	if err != nil {
		fatal("redis connect: " + err.Error())
	}

	bus, err := eventbus.New(pubClient, subClient, events.DefaultRegistry(), logger, eventbus.Config{
		ServiceName:  "event-sim",
		StreamPrefix: *prefix,
		Identity:     eventbus.NewIdentity("event-sim", os.Getpid(), time.Now()),
	})
	if err != nil {
		fatal("bus setup: " + err.Error())
	}
	defer func() { _ = bus.Close() }()

	var store eventbus.Store
	if *useStore {
		dsn, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			fatal(err.Error())
		}
		pool, err := db.Open(ctx, dsn)
		if err != nil {
			fatal("postgres connect: " + err.Error())
		}
		defer pool.Close()
		pg := eventstore.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			fatal("event log schema: " + err.Error())
		}
		store = pg
	}

	factory := events.NewFactory("event-sim", events.ModeDevelopment)
	publisher := eventbus.NewPublisher(factory, bus, store, logger, eventbus.PublisherConfig{
		DefaultWarehouseID: *warehouse,
		StoreBeforePublish: store != nil,
	})

	for i := 0; i < *count; i++ {
		qlid := fmt.Sprintf("QL-SIM-%d", i)
		item, err := retry.Do(ctx, retry.Default, "publish item event", func(ctx context.Context) (events.Envelope, error) {
			return publisher.PublishItemEvent(ctx, "created", qlid, map[string]any{
				"upc":       "012345678905",
				"condition": "refurb-a",
			})
		})
		if err != nil {
			fatal("publish item event: " + err.Error())
		}

		// An order referencing the item, correlated so both land in one saga.
		if _, err := publisher.PublishCorrelated(ctx, events.Options{
			Type:    "order.created",
			Subject: fmt.Sprintf("ORD-SIM-%d", i),
			QLID:    qlid,
			Data:    map[string]any{"qlid": qlid},
		}, item); err != nil {
			fatal("publish order event: " + err.Error())
		}

		if *interval > 0 && i < *count-1 {
			time.Sleep(*interval)
		}
	}

	fmt.Printf("published %d item and %d order events\n", *count, *count)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
