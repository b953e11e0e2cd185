// Package processor turns admitted tracking events into persisted records:
// it normalizes device, referrer and location metadata, stitches events into
// sessions and appends the event itself.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/pulse/internal/clientip"
	"github.com/gosight/pulse/internal/enricher"
	"github.com/gosight/pulse/internal/metrics"
	"github.com/gosight/pulse/internal/model"
	"github.com/gosight/pulse/internal/store"
)

// Record is everything resolved for one processed event.
type Record struct {
	Event    model.Event
	Session  model.Session
	Device   model.Device
	Geo      model.Geo
	Referrer *model.Referrer
}

// Sink receives processed records and session updates for export. Calls must
// not block on I/O.
type Sink interface {
	ExportEvent(rec Record)
	ExportSession(s model.Session)
}

type Option func(*Processor)

func WithSink(s Sink) Option {
	return func(p *Processor) { p.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor handles one event at a time. It is safe for concurrent use; the
// store's atomic upserts and session create/continue keep concurrent events
// consistent.
type Processor struct {
	store store.Store
	geo   enricher.GeoResolver
	sink  Sink
	now   func() time.Time
}

func New(st store.Store, geo enricher.GeoResolver, opts ...Option) *Processor {
	p := &Processor{
		store: st,
		geo:   geo,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process persists one event. Storage errors are returned unretried.
func (p *Processor) Process(ctx context.Context, job model.Job) error {
	start := time.Now()
	defer metrics.ObserveProcessing(start)

	ev := job.Event
	ts := job.ReceivedAt.UTC()
	if job.ReceivedAt.IsZero() {
		ts = p.now().UTC()
	}

	ip := clientip.Anonymize(job.ClientIP)
	ua := job.UserAgent
	if ev.UserAgent != nil && *ev.UserAgent != "" {
		ua = *ev.UserAgent
	}

	info := enricher.ClassifyDevice(ua)
	loc := enricher.Location{Country: enricher.UnknownCountry}
	if p.geo != nil {
		loc = p.geo.Locate(ip)
	}
	path := normalizePath(ev.URL)

	device := model.Device{
		ProjectID:      ev.ProjectID,
		Browser:        info.Browser,
		BrowserVersion: optional(info.BrowserVersion),
		OS:             info.OS,
		OSVersion:      optional(info.OSVersion),
		DeviceType:     info.DeviceType,
		ScreenWidth:    pixels(ev.ScreenWidth),
		ScreenHeight:   pixels(ev.ScreenHeight),
	}
	var err error
	if device.ID, err = p.store.UpsertDevice(ctx, device); err != nil {
		return err
	}

	var referrer *model.Referrer
	if domain := referrerDomain(ev.Referrer); domain != "" {
		referrer = &model.Referrer{ProjectID: ev.ProjectID, Domain: domain, URL: *ev.Referrer}
		if referrer.ID, err = p.store.UpsertReferrer(ctx, *referrer); err != nil {
			return err
		}
	}

	geo := model.Geo{
		ProjectID: ev.ProjectID,
		Country:   loc.Country,
		City:      loc.City,
		Region:    loc.Region,
		Timezone:  loc.Timezone,
	}
	if geo.ID, err = p.store.UpsertGeo(ctx, geo); err != nil {
		return err
	}

	session, err := p.stitch(ctx, ev, path, ts, device.ID, referrer, geo.ID)
	if err != nil {
		return err
	}

	event := model.Event{
		ProjectID: ev.ProjectID,
		SessionID: ev.SessionID,
		Type:      model.EventTypePageview,
		Path:      path,
		URL:       ev.URL,
		Referrer:  ev.Referrer,
		Title:     ev.Title,
		Timestamp: ts,
	}
	if event.ID, err = p.store.AppendEvent(ctx, event); err != nil {
		return err
	}

	if p.sink != nil {
		p.sink.ExportEvent(Record{Event: event, Session: *session, Device: device, Geo: geo, Referrer: referrer})
	}

	log.Debug().
		Str("project_id", ev.ProjectID).
		Str("session_id", ev.SessionID).
		Str("path", path).
		Int("page_views", session.PageViews).
		Msg("Event processed")
	return nil
}

// stitch creates the session on its first event and continues it afterwards.
// A concurrent creator turns a lost create into a continue.
func (p *Processor) stitch(ctx context.Context, ev model.TrackingEvent, path string, ts time.Time,
	deviceID string, referrer *model.Referrer, geoID string,
) (*model.Session, error) {
	existing, err := p.store.FindSession(ctx, ev.SessionID)
	switch {
	case err == nil:
		if existing.EndedAt != nil {
			log.Info().Str("session_id", ev.SessionID).Msg("Reopening ended session")
		}
		return p.continueSession(ctx, ev.SessionID, path, ts)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	s := model.Session{
		SessionID:  ev.SessionID,
		ProjectID:  ev.ProjectID,
		EntryPage:  path,
		ExitPage:   path,
		DeviceID:   deviceID,
		GeoID:      geoID,
		PageViews:  1,
		IsBounce:   true,
		StartedAt:  ts,
		LastSeenAt: ts,
	}
	if referrer != nil {
		s.ReferrerID = &referrer.ID
	}

	created, err := p.store.CreateSession(ctx, s)
	if errors.Is(err, store.ErrSessionExists) {
		return p.continueSession(ctx, ev.SessionID, path, ts)
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordSession(metrics.SessionNew)
	return created, nil
}

func (p *Processor) continueSession(ctx context.Context, sessionID, path string, ts time.Time) (*model.Session, error) {
	s, err := p.store.ContinueSession(ctx, sessionID, path, ts)
	if err != nil {
		return nil, fmt.Errorf("continuing session %s: %w", sessionID, err)
	}
	metrics.RecordSession(metrics.SessionContinued)
	return s, nil
}

// normalizePath reduces an absolute URL to its path and query. Anything that
// does not parse as an absolute URL is returned unchanged.
func normalizePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return raw
	}
	path := u.EscapedPath()
	if u.Opaque != "" {
		path = u.Opaque
	}
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

func referrerDomain(ref *string) string {
	if ref == nil || *ref == "" {
		return ""
	}
	u, err := url.Parse(*ref)
	if err != nil || !u.IsAbs() {
		return ""
	}
	return u.Hostname()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// pixels rounds a reported screen dimension; zoomed browsers report fractions.
func pixels(n *float64) int {
	if n == nil || math.IsNaN(*n) {
		return 0
	}
	return int(math.Round(*n))
}
