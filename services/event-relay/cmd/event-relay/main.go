package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/eventbus"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/httpx"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/kafkax"
	otelx "github.com/Quicklotz/QuickRefurbz-sub003/libs/otel"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/redisx"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/runtime"
	"github.com/Quicklotz/QuickRefurbz-sub003/services/event-relay/internal/admin"
	"github.com/Quicklotz/QuickRefurbz-sub003/services/event-relay/internal/relay"
)

type appConfig struct {
	ServiceName    string        `env:"SERVICE_NAME" envDefault:"event-relay"`
	Port           string        `env:"PORT" envDefault:"8090"`
	Mode           string        `env:"RUNTIME_MODE" envDefault:"development"`
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	KafkaBrokers   string        `env:"KAFKA_BROKERS,required"`
	StreamPrefix   string        `env:"STREAM_PREFIX" envDefault:"qrz:stream:"`
	BlockTime      time.Duration `env:"BUS_BLOCK_TIME" envDefault:"5s"`
	MaxDeliveries  int           `env:"BUS_MAX_DELIVERIES" envDefault:"3"`
	MaxStreamLen   int64         `env:"BUS_MAX_STREAM_LEN" envDefault:"100000"`
	AdminRateLimit int           `env:"ADMIN_RATE_LIMIT" envDefault:"60"`
}

func main() {
	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	pubClient, err := redisx.Open(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	subClient, err := redisx.Open(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}

	registry := events.DefaultRegistry()
	bus, err := eventbus.New(pubClient, subClient, registry, logger, eventbus.Config{
		ServiceName:   cfg.ServiceName,
		StreamPrefix:  cfg.StreamPrefix,
		Identity:      eventbus.NewIdentity(cfg.ServiceName, os.Getpid(), time.Now()),
		BlockTime:     cfg.BlockTime,
		MaxDeliveries: cfg.MaxDeliveries,
		MaxStreamLen:  cfg.MaxStreamLen,
	})
	if err != nil {
		logger.Error("bus setup failed", "err", err)
		panic(err)
	}
	defer func() { _ = bus.Close() }()

	writer := relay.NewWriter(kafkax.SplitBrokers(cfg.KafkaBrokers))
	defer writer.Close()

	mirror := relay.New(writer, logger)
	subscriber := eventbus.NewSubscriber(bus, logger)
	if err := subscriber.OnMultiple([]string{"*"}, mirror.Handle); err != nil {
		logger.Error("mirror registration failed", "err", err)
		panic(err)
	}
	if err := subscriber.Start(ctx); err != nil {
		logger.Error("subscriber start failed", "err", err)
		panic(err)
	}

	factory := events.NewFactory(cfg.ServiceName, events.Mode(cfg.Mode))
	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(pubClient)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)},
	)
	// The rate limit, body cap, and per-request timeout guard the admin
	// surface only; /healthz and /readyz stay unthrottled.
	limiter := httpx.NewRedisRateLimiter(pubClient, cfg.AdminRateLimit, time.Minute, "event-relay:rl")
	admin.New(bus, factory, logger).Register(mux,
		limiter.Middleware(logger, true),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "event-relay")

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("event relay stopped")
}
