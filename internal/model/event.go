package model

import "time"

// TrackingEvent is one pageview as sent by the client. It only exists on the
// wire and in dispatch jobs; it is never stored as-is.
type TrackingEvent struct {
	ProjectID    string   `json:"projectId" validate:"required"`
	SessionID    string   `json:"sessionId" validate:"required"`
	URL          string   `json:"url" validate:"required"`
	Referrer     *string  `json:"referrer,omitempty"`
	Title        *string  `json:"title,omitempty"`
	UserAgent    *string  `json:"userAgent,omitempty"`
	ScreenWidth  *float64 `json:"screenWidth,omitempty" validate:"omitempty,gte=0"`
	ScreenHeight *float64 `json:"screenHeight,omitempty" validate:"omitempty,gte=0"`
	Timezone     *string  `json:"timezone,omitempty"`
}

// Job is the unit handed from the ingestion endpoint to the event processor,
// either in-process or through Kafka. ClientIP is already anonymized.
// ReceivedAt is when the collector accepted the request and becomes the
// event timestamp.
type Job struct {
	Event      TrackingEvent `json:"event"`
	ClientIP   string        `json:"client_ip"`
	UserAgent  string        `json:"user_agent,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

const EventTypePageview = "pageview"

// Event is the append-only record of one tracked action.
type Event struct {
	ID        string
	ProjectID string
	SessionID string
	Type      string
	Path      string
	URL       string
	Referrer  *string
	Title     *string
	Timestamp time.Time
}

// Session accumulates the events sharing a client-generated session id.
type Session struct {
	ID         string
	SessionID  string
	ProjectID  string
	EntryPage  string
	ExitPage   string
	DeviceID   string
	ReferrerID *string
	GeoID      string
	PageViews  int
	IsBounce   bool
	StartedAt  time.Time
	LastSeenAt time.Time
	EndedAt    *time.Time
	DurationMs *int64
}

// Device is deduplicated per project by browser, OS, device type and screen
// size. Screen sizes are 0 when the client did not report them.
type Device struct {
	ID             string
	ProjectID      string
	Browser        string
	BrowserVersion *string
	OS             string
	OSVersion      *string
	DeviceType     string
	ScreenWidth    int
	ScreenHeight   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Referrer is deduplicated per project by domain; URL is the first full
// referrer URL seen for that domain.
type Referrer struct {
	ID        string
	ProjectID string
	Domain    string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Geo is deduplicated per project by country and city. City is empty when
// unknown.
type Geo struct {
	ID        string
	ProjectID string
	Country   string
	City      string
	Region    *string
	Timezone  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)
