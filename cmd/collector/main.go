package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/gosight/pulse/internal/config"
	"github.com/gosight/pulse/internal/dispatch"
	"github.com/gosight/pulse/internal/enricher"
	"github.com/gosight/pulse/internal/handler"
	"github.com/gosight/pulse/internal/processor"
	"github.com/gosight/pulse/internal/producer"
	"github.com/gosight/pulse/internal/ratelimit"
	"github.com/gosight/pulse/internal/service"
)

func main() {
	configPath := service.ConfigPath("config/collector.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		service.SetupLogging(config.LogConfig{Format: "console"})
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}
	service.SetupLogging(cfg.Log)

	log.Info().
		Int("port", cfg.Server.HTTPPort).
		Str("dispatch", cfg.Ingest.Dispatch).
		Str("rate_limit_backend", cfg.RateLimit.Backend).
		Msg("Starting collector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := service.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stores")
	}
	defer stores.Close()

	sup := service.NewSupervisor("collector", cfg.Server.ShutdownTimeout)

	var limiter ratelimit.Checker
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		limiter = ratelimit.NewRedisLimiter(stores.Redis)
	default:
		mem := ratelimit.New(ratelimit.WithSweepInterval(cfg.RateLimit.SweepInterval))
		sup.Add(mem)
		limiter = mem
	}

	var dispatcher dispatch.Dispatcher
	switch cfg.Ingest.Dispatch {
	case config.DispatchKafka:
		kafka := producer.NewKafkaDispatcher(cfg.Kafka)
		defer kafka.Close()
		dispatcher = kafka
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.EventsTopic()).Msg("Dispatching events to Kafka")
	default:
		geo := enricher.NewEnricher(cfg.GeoIP.DatabasePath)
		defer geo.Close()

		var opts []processor.Option
		ch, exporter, err := service.OpenWarehouse(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open warehouse")
		}
		var sink processor.Sink
		if exporter != nil {
			defer ch.Close()
			sup.Add(exporter)
			sink = exporter
			opts = append(opts, processor.WithSink(exporter))
		}

		dispatcher = dispatch.NewInline(processor.New(stores.Store, geo, opts...))
		sup.Add(processor.NewFinalizer(stores.Store, sink, cfg.Session.IdleTimeout, cfg.Session.FinalizeInterval))
	}

	collect := handler.NewCollectHandler(cfg, limiter, stores.Projects, dispatcher)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler.NewRouter(collect),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	sup.Add(service.NewHTTPService("collector-http", httpServer, cfg.Server.ShutdownTimeout))

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Supervisor stopped")
		os.Exit(1)
	}
	log.Info().Msg("Collector stopped")
}
