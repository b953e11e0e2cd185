package warehouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/gosight/pulse/internal/config"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id        String,
		project_id      String,
		session_id      String,
		event_type      LowCardinality(String),
		timestamp       DateTime64(3),
		page_url        String,
		page_path       String,
		page_title      String,
		referrer        String,
		referrer_domain String,
		browser         LowCardinality(String),
		browser_version String,
		os              LowCardinality(String),
		os_version      String,
		device_type     LowCardinality(String),
		screen_width    UInt16,
		screen_height   UInt16,
		country         LowCardinality(String),
		city            String,
		region          String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (project_id, timestamp, session_id)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id   String,
		project_id   String,
		entry_page   String,
		exit_page    String,
		device_id    String,
		referrer_id  String,
		geo_id       String,
		page_views   UInt32,
		is_bounced   UInt8,
		started_at   DateTime64(3),
		last_seen_at DateTime64(3),
		ended_at     Nullable(DateTime64(3)),
		duration_ms  Nullable(UInt64),
		updated_at   DateTime64(3)
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (project_id, session_id)`,
}

type ClickHouse struct {
	conn driver.Conn
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	return &ClickHouse{conn: conn}, nil
}

// EnsureSchema creates the warehouse tables if they are missing.
func (c *ClickHouse) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating warehouse schema: %w", err)
		}
	}
	return nil
}

func (c *ClickHouse) InsertEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO events (
			event_id, project_id, session_id, event_type, timestamp,
			page_url, page_path, page_title, referrer, referrer_domain,
			browser, browser_version, os, os_version, device_type,
			screen_width, screen_height, country, city, region
		)
	`)
	if err != nil {
		return err
	}

	for _, e := range rows {
		err := batch.Append(
			e.EventID, e.ProjectID, e.SessionID, e.EventType, e.Timestamp,
			e.PageURL, e.PagePath, e.PageTitle, e.Referrer, e.ReferrerDomain,
			e.Browser, e.BrowserVersion, e.OS, e.OSVersion, e.DeviceType,
			e.ScreenWidth, e.ScreenHeight, e.Country, e.City, e.Region,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) InsertSessions(ctx context.Context, rows []SessionRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO sessions (
			session_id, project_id, entry_page, exit_page,
			device_id, referrer_id, geo_id,
			page_views, is_bounced,
			started_at, last_seen_at, ended_at, duration_ms, updated_at
		)
	`)
	if err != nil {
		return err
	}

	for _, s := range rows {
		err := batch.Append(
			s.SessionID, s.ProjectID, s.EntryPage, s.ExitPage,
			s.DeviceID, s.ReferrerID, s.GeoID,
			s.PageViews, s.IsBounced,
			s.StartedAt, s.LastSeenAt, s.EndedAt, s.DurationMs, s.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
