package warehouse

import (
	"time"

	"github.com/gosight/pulse/internal/model"
	"github.com/gosight/pulse/internal/processor"
)

// EventRow is one denormalized pageview in the events table.
type EventRow struct {
	EventID        string
	ProjectID      string
	SessionID      string
	EventType      string
	Timestamp      time.Time
	PageURL        string
	PagePath       string
	PageTitle      string
	Referrer       string
	ReferrerDomain string
	Browser        string
	BrowserVersion string
	OS             string
	OSVersion      string
	DeviceType     string
	ScreenWidth    uint16
	ScreenHeight   uint16
	Country        string
	City           string
	Region         string
}

// SessionRow is a session snapshot. The sessions table keeps the row with the
// latest UpdatedAt per session.
type SessionRow struct {
	SessionID  string
	ProjectID  string
	EntryPage  string
	ExitPage   string
	DeviceID   string
	ReferrerID string
	GeoID      string
	PageViews  uint32
	IsBounced  uint8
	StartedAt  time.Time
	LastSeenAt time.Time
	EndedAt    *time.Time
	DurationMs *uint64
	UpdatedAt  time.Time
}

func newEventRow(rec processor.Record) EventRow {
	row := EventRow{
		EventID:        rec.Event.ID,
		ProjectID:      rec.Event.ProjectID,
		SessionID:      rec.Event.SessionID,
		EventType:      rec.Event.Type,
		Timestamp:      rec.Event.Timestamp,
		PageURL:        rec.Event.URL,
		PagePath:       rec.Event.Path,
		PageTitle:      value(rec.Event.Title),
		Referrer:       value(rec.Event.Referrer),
		Browser:        rec.Device.Browser,
		BrowserVersion: value(rec.Device.BrowserVersion),
		OS:             rec.Device.OS,
		OSVersion:      value(rec.Device.OSVersion),
		DeviceType:     rec.Device.DeviceType,
		ScreenWidth:    clampUint16(rec.Device.ScreenWidth),
		ScreenHeight:   clampUint16(rec.Device.ScreenHeight),
		Country:        rec.Geo.Country,
		City:           rec.Geo.City,
		Region:         value(rec.Geo.Region),
	}
	if rec.Referrer != nil {
		row.ReferrerDomain = rec.Referrer.Domain
	}
	return row
}

func newSessionRow(s model.Session, now time.Time) SessionRow {
	row := SessionRow{
		SessionID:  s.SessionID,
		ProjectID:  s.ProjectID,
		EntryPage:  s.EntryPage,
		ExitPage:   s.ExitPage,
		DeviceID:   s.DeviceID,
		ReferrerID: value(s.ReferrerID),
		GeoID:      s.GeoID,
		PageViews:  uint32(s.PageViews),
		StartedAt:  s.StartedAt,
		LastSeenAt: s.LastSeenAt,
		EndedAt:    s.EndedAt,
		UpdatedAt:  now,
	}
	if s.IsBounce {
		row.IsBounced = 1
	}
	if s.DurationMs != nil && *s.DurationMs >= 0 {
		d := uint64(*s.DurationMs)
		row.DurationMs = &d
	}
	return row
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clampUint16(n int) uint16 {
	switch {
	case n < 0:
		return 0
	case n > 0xFFFF:
		return 0xFFFF
	default:
		return uint16(n)
	}
}
