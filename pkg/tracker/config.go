package tracker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Config controls batching, session and retry behaviour. Zero values take
// the defaults listed on each field.
type Config struct {
	// Endpoint is the collector URL, e.g. https://collector.example/api/collect.
	Endpoint  string
	ProjectID string

	BatchSize      int           // 10
	BatchTimeout   time.Duration // 5s
	SessionTimeout time.Duration // 30m
	RetryAttempts  int           // 3, negative disables retries
	RetryDelay     time.Duration // 1s, doubled on every retry
	// TeardownTimeout bounds the final synchronous send when the transport
	// cannot beacon.
	TeardownTimeout time.Duration // 2s
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	} else if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 2 * time.Second
	}
}

func (c *Config) validate() error {
	if c.ProjectID == "" {
		return errors.New("tracker: project id is required")
	}
	return nil
}

type Option func(*Tracker)

// WithClock replaces time.Now for session bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithKV sets the durable store for session state. Defaults to MemoryKV.
func WithKV(kv KV) Option {
	return func(t *Tracker) { t.kv = kv }
}

// WithTransport replaces the HTTP transport built from Config.Endpoint.
func WithTransport(tr Transport) Option {
	return func(t *Tracker) { t.transport = tr }
}
