package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosight/pulse/internal/config"
	"github.com/gosight/pulse/internal/store"
	"github.com/gosight/pulse/internal/warehouse"
)

// Stores bundles the persistence handles a binary needs.
type Stores struct {
	Store    store.Store
	Projects store.ProjectChecker
	Redis    *redis.Client

	closers []func()
}

// OpenStores connects to Postgres (falling back to an in-memory store when no
// DSN is configured) and, when configured, fronts project checks with Redis.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{}

	if cfg.Postgres.DSN == "" {
		log.Warn().
			Strs("projects", cfg.Ingest.Projects).
			Msg("No postgres.dsn configured, using in-memory store")
		mem := store.NewMemory(cfg.Ingest.Projects...)
		s.Store, s.Projects = mem, mem
	} else {
		pg, err := store.NewPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pg.Close)
		if cfg.Postgres.Migrate {
			if err := store.Migrate(pg.Pool()); err != nil {
				s.Close()
				return nil, fmt.Errorf("migrating postgres: %w", err)
			}
		}
		s.Store, s.Projects = pg, pg
		log.Info().Msg("Connected to Postgres")
	}

	if cfg.Redis.Addr != "" {
		s.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, func() { s.Redis.Close() })
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable at startup")
		}
		s.Projects = store.NewProjectCache(s.Projects, s.Redis, cfg.Redis.ProjectCacheTTL)
	}

	return s, nil
}

func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// OpenWarehouse returns nil when no ClickHouse address is configured.
func OpenWarehouse(ctx context.Context, cfg *config.Config) (*warehouse.ClickHouse, *warehouse.Exporter, error) {
	if cfg.ClickHouse.Addr == "" {
		return nil, nil, nil
	}
	ch, err := warehouse.NewClickHouse(cfg.ClickHouse)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to clickhouse: %w", err)
	}
	if err := ch.EnsureSchema(ctx); err != nil {
		ch.Close()
		return nil, nil, err
	}
	log.Info().Str("addr", cfg.ClickHouse.Addr).Msg("Connected to ClickHouse")
	return ch, warehouse.NewExporter(ch, cfg.Batch), nil
}
