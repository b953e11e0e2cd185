package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gosight/pulse/internal/model"
)

type deviceKey struct {
	projectID, browser, os, deviceType string
	width, height                      int
}

type referrerKey struct{ projectID, domain string }

type geoKey struct{ projectID, country, city string }

// Memory is an in-process Store and ProjectChecker. It is used by tests and by
// the collector when no Postgres DSN is configured.
type Memory struct {
	mu        sync.Mutex
	projects  map[string]struct{}
	devices   map[deviceKey]*model.Device
	referrers map[referrerKey]*model.Referrer
	geos      map[geoKey]*model.Geo
	sessions  map[string]*model.Session
	events    []model.Event
	now       func() time.Time
}

func NewMemory(projectIDs ...string) *Memory {
	m := &Memory{
		projects:  make(map[string]struct{}),
		devices:   make(map[deviceKey]*model.Device),
		referrers: make(map[referrerKey]*model.Referrer),
		geos:      make(map[geoKey]*model.Geo),
		sessions:  make(map[string]*model.Session),
		now:       time.Now,
	}
	for _, id := range projectIDs {
		m.projects[id] = struct{}{}
	}
	return m
}

func (m *Memory) AddProject(id string) {
	m.mu.Lock()
	m.projects[id] = struct{}{}
	m.mu.Unlock()
}

func (m *Memory) MissingProjects(_ context.Context, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var missing []string
	for _, id := range ids {
		if _, ok := m.projects[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (m *Memory) UpsertDevice(_ context.Context, d model.Device) (string, error) {
	key := deviceKey{d.ProjectID, d.Browser, d.OS, d.DeviceType, d.ScreenWidth, d.ScreenHeight}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.devices[key]; ok {
		existing.UpdatedAt = now
		return existing.ID, nil
	}
	d.ID = uuid.NewString()
	d.CreatedAt, d.UpdatedAt = now, now
	m.devices[key] = &d
	return d.ID, nil
}

func (m *Memory) UpsertReferrer(_ context.Context, r model.Referrer) (string, error) {
	key := referrerKey{r.ProjectID, r.Domain}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.referrers[key]; ok {
		existing.UpdatedAt = now
		return existing.ID, nil
	}
	r.ID = uuid.NewString()
	r.CreatedAt, r.UpdatedAt = now, now
	m.referrers[key] = &r
	return r.ID, nil
}

func (m *Memory) UpsertGeo(_ context.Context, g model.Geo) (string, error) {
	key := geoKey{g.ProjectID, g.Country, g.City}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.geos[key]; ok {
		existing.UpdatedAt = now
		return existing.ID, nil
	}
	g.ID = uuid.NewString()
	g.CreatedAt, g.UpdatedAt = now, now
	m.geos[key] = &g
	return g.ID, nil
}

func (m *Memory) FindSession(_ context.Context, sessionID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) CreateSession(_ context.Context, s model.Session) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.SessionID]; ok {
		return nil, ErrSessionExists
	}
	s.ID = uuid.NewString()
	stored := s
	m.sessions[s.SessionID] = &stored
	return &s, nil
}

func (m *Memory) ContinueSession(_ context.Context, sessionID, exitPage string, at time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.PageViews++
	s.IsBounce = false
	s.ExitPage = exitPage
	s.EndedAt = nil
	s.DurationMs = nil
	if at.After(s.LastSeenAt) {
		s.LastSeenAt = at
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) AppendEvent(_ context.Context, e model.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = uuid.NewString()
	m.events = append(m.events, e)
	return e.ID, nil
}

func (m *Memory) CloseIdleSessions(_ context.Context, cutoff time.Time) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []model.Session
	for _, s := range m.sessions {
		if s.EndedAt != nil || !s.LastSeenAt.Before(cutoff) {
			continue
		}
		ended := s.LastSeenAt
		d := durationMs(s)
		s.EndedAt = &ended
		s.DurationMs = &d
		closed = append(closed, *s)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].SessionID < closed[j].SessionID })
	return closed, nil
}

// Devices returns a snapshot of the stored devices.
func (m *Memory) Devices() []model.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out
}

func (m *Memory) Referrers() []model.Referrer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Referrer, 0, len(m.referrers))
	for _, r := range m.referrers {
		out = append(out, *r)
	}
	return out
}

func (m *Memory) Geos() []model.Geo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Geo, 0, len(m.geos))
	for _, g := range m.geos {
		out = append(out, *g)
	}
	return out
}

func (m *Memory) Sessions() []model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// Events returns the appended events in insertion order.
func (m *Memory) Events() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Event, len(m.events))
	copy(out, m.events)
	return out
}
