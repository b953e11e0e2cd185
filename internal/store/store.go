// Package store persists the records written by the event processor and
// answers project existence checks for the ingestion endpoint.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gosight/pulse/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrSessionExists = errors.New("store: session already exists")
)

// Store is the transactional store behind the event processor. Every upsert is
// atomic per unique key and returns the id of the surviving row.
type Store interface {
	// UpsertDevice keys on (project, browser, os, device type, screen size).
	UpsertDevice(ctx context.Context, d model.Device) (string, error)
	// UpsertReferrer keys on (project, domain) and keeps the first URL seen.
	UpsertReferrer(ctx context.Context, r model.Referrer) (string, error)
	// UpsertGeo keys on (project, country, city).
	UpsertGeo(ctx context.Context, g model.Geo) (string, error)

	// FindSession returns ErrNotFound for an unknown session id.
	FindSession(ctx context.Context, sessionID string) (*model.Session, error)
	// CreateSession returns ErrSessionExists when another writer created the
	// session first.
	CreateSession(ctx context.Context, s model.Session) (*model.Session, error)
	// ContinueSession records one more pageview on an existing session: page
	// views are incremented, the bounce flag cleared, the exit page replaced
	// and any end marker removed.
	ContinueSession(ctx context.Context, sessionID, exitPage string, at time.Time) (*model.Session, error)

	AppendEvent(ctx context.Context, e model.Event) (string, error)

	// CloseIdleSessions ends every open session last seen before cutoff and
	// returns the sessions it closed.
	CloseIdleSessions(ctx context.Context, cutoff time.Time) ([]model.Session, error)
}

// ProjectChecker reports which project ids are unknown.
type ProjectChecker interface {
	MissingProjects(ctx context.Context, ids []string) ([]string, error)
}

func durationMs(s *model.Session) int64 {
	return s.LastSeenAt.Sub(s.StartedAt).Milliseconds()
}
