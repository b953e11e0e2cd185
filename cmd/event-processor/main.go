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
	"github.com/gosight/pulse/internal/consumer"
	"github.com/gosight/pulse/internal/enricher"
	"github.com/gosight/pulse/internal/handler"
	"github.com/gosight/pulse/internal/processor"
	"github.com/gosight/pulse/internal/service"
)

func main() {
	configPath := service.ConfigPath("config/processor.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		service.SetupLogging(config.LogConfig{Format: "console"})
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}
	service.SetupLogging(cfg.Log)

	if len(cfg.Kafka.Brokers) == 0 {
		log.Fatal().Msg("kafka.brokers is required for the event processor")
	}

	log.Info().
		Strs("kafka_brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.EventsTopic()).
		Str("clickhouse_addr", cfg.ClickHouse.Addr).
		Int("batch_size", cfg.Batch.Size).
		Dur("flush_interval", cfg.Batch.FlushInterval).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := service.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stores")
	}
	defer stores.Close()

	geo := enricher.NewEnricher(cfg.GeoIP.DatabasePath)
	defer geo.Close()

	sup := service.NewSupervisor("event-processor", cfg.Server.ShutdownTimeout)

	var opts []processor.Option
	var sink processor.Sink
	ch, exporter, err := service.OpenWarehouse(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse")
	}
	if exporter != nil {
		defer ch.Close()
		sup.Add(exporter)
		sink = exporter
		opts = append(opts, processor.WithSink(exporter))
	}

	proc := processor.New(stores.Store, geo, opts...)

	kafkaConsumer := consumer.NewKafkaConsumer(cfg.Kafka, proc)
	defer kafkaConsumer.Close()
	sup.Add(kafkaConsumer)
	sup.Add(processor.NewFinalizer(stores.Store, sink, cfg.Session.IdleTimeout, cfg.Session.FinalizeInterval))

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: handler.NewProcessorRouter(),
	}
	sup.Add(service.NewHTTPService("processor-http", metricsServer, cfg.Server.ShutdownTimeout))

	log.Info().Msg("Event processor started")
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Supervisor stopped")
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}
