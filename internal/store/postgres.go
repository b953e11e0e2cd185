package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosight/pulse/internal/model"
)

// Postgres implements Store and ProjectChecker on a pgx pool. Upserts rely on
// the unique constraints from the migrations for atomicity.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Postgres{db: pool}, nil
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.db }

func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) MissingProjects(ctx context.Context, ids []string) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT id FROM projects WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning projects: %w", err)
	}

	known := make(map[string]struct{}, len(found))
	for _, id := range found {
		known[id] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// CreateProject registers a project id. It is a no-op for existing ids.
func (p *Postgres) CreateProject(ctx context.Context, id, name string) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO projects (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	if err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertDevice(ctx context.Context, d model.Device) (string, error) {
	var id string
	err := p.db.QueryRow(ctx, `
		INSERT INTO devices (id, project_id, browser, browser_version, os, os_version,
			device_type, screen_width, screen_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (project_id, browser, os, device_type, screen_width, screen_height)
		DO UPDATE SET updated_at = NOW()
		RETURNING id::text
	`, uuid.NewString(), d.ProjectID, d.Browser, d.BrowserVersion, d.OS, d.OSVersion,
		d.DeviceType, d.ScreenWidth, d.ScreenHeight).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting device: %w", err)
	}
	return id, nil
}

func (p *Postgres) UpsertReferrer(ctx context.Context, r model.Referrer) (string, error) {
	var id string
	err := p.db.QueryRow(ctx, `
		INSERT INTO referrers (id, project_id, domain, url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, domain)
		DO UPDATE SET updated_at = NOW()
		RETURNING id::text
	`, uuid.NewString(), r.ProjectID, r.Domain, r.URL).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting referrer: %w", err)
	}
	return id, nil
}

func (p *Postgres) UpsertGeo(ctx context.Context, g model.Geo) (string, error) {
	var id string
	err := p.db.QueryRow(ctx, `
		INSERT INTO geos (id, project_id, country, city, region, timezone)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, country, city)
		DO UPDATE SET updated_at = NOW()
		RETURNING id::text
	`, uuid.NewString(), g.ProjectID, g.Country, g.City, g.Region, g.Timezone).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting geo: %w", err)
	}
	return id, nil
}

const sessionColumns = `id::text, session_id, project_id, entry_page, exit_page, device_id::text,
	referrer_id::text, geo_id::text, page_views, is_bounce, started_at, last_seen_at,
	ended_at, duration_ms`

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.SessionID, &s.ProjectID, &s.EntryPage, &s.ExitPage, &s.DeviceID,
		&s.ReferrerID, &s.GeoID, &s.PageViews, &s.IsBounce, &s.StartedAt, &s.LastSeenAt,
		&s.EndedAt, &s.DurationMs)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) FindSession(ctx context.Context, sessionID string) (*model.Session, error) {
	s, err := scanSession(p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding session: %w", err)
	}
	return s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s model.Session) (*model.Session, error) {
	created, err := scanSession(p.db.QueryRow(ctx, `
		INSERT INTO sessions (id, session_id, project_id, entry_page, exit_page, device_id,
			referrer_id, geo_id, page_views, is_bounce, started_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO NOTHING
		RETURNING `+sessionColumns,
		uuid.NewString(), s.SessionID, s.ProjectID, s.EntryPage, s.ExitPage, s.DeviceID,
		s.ReferrerID, s.GeoID, s.PageViews, s.IsBounce, s.StartedAt, s.LastSeenAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionExists
	}
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return created, nil
}

func (p *Postgres) ContinueSession(ctx context.Context, sessionID, exitPage string, at time.Time) (*model.Session, error) {
	s, err := scanSession(p.db.QueryRow(ctx, `
		UPDATE sessions SET
			page_views = page_views + 1,
			is_bounce = FALSE,
			exit_page = $2,
			ended_at = NULL,
			duration_ms = NULL,
			last_seen_at = GREATEST(last_seen_at, $3)
		WHERE session_id = $1
		RETURNING `+sessionColumns, sessionID, exitPage, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("continuing session: %w", err)
	}
	return s, nil
}

func (p *Postgres) AppendEvent(ctx context.Context, e model.Event) (string, error) {
	id := uuid.NewString()
	_, err := p.db.Exec(ctx, `
		INSERT INTO events (id, project_id, session_id, type, path, url, referrer, title, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, e.ProjectID, e.SessionID, e.Type, e.Path, e.URL, e.Referrer, e.Title, e.Timestamp)
	if err != nil {
		return "", fmt.Errorf("appending event: %w", err)
	}
	return id, nil
}

func (p *Postgres) CloseIdleSessions(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	rows, err := p.db.Query(ctx, `
		UPDATE sessions SET
			ended_at = last_seen_at,
			duration_ms = (EXTRACT(EPOCH FROM (last_seen_at - started_at)) * 1000)::BIGINT
		WHERE ended_at IS NULL AND last_seen_at < $1
		RETURNING `+sessionColumns, cutoff)
	if err != nil {
		return nil, fmt.Errorf("closing idle sessions: %w", err)
	}
	defer rows.Close()

	var closed []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning closed session: %w", err)
		}
		closed = append(closed, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closing idle sessions: %w", err)
	}
	return closed, nil
}
