// Package tracker is the client side of the collection pipeline. It queues
// pageview events, sends them to the collector in batches and keeps the
// visitor's session id alive across page loads.
//
// On Teardown the queue is handed to the transport's Beacon when it has one.
// HTTPTransport does not: a Go process may exit right after Teardown, so it
// makes one synchronous send bounded by Config.TeardownTimeout instead. Hosts
// with a delivery channel that outlives the page, such as a browser bridge,
// supply a Transport that implements Beaconer.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

type entry struct {
	event    Event
	inflight bool
}

// Tracker is safe for concurrent use. A Tracker is unusable after Teardown.
type Tracker struct {
	cfg       Config
	page      Page
	transport Transport
	kv        KV
	now       func() time.Time
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sends  sync.WaitGroup

	mu       sync.Mutex
	queue    []*entry
	timer    *time.Timer
	session  session
	lastURL  string
	disabled bool
}

// New builds a tracker for page. Without WithTransport the events go to
// cfg.Endpoint over HTTP.
func New(cfg Config, page Page, opts ...Option) (*Tracker, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if page == nil {
		return nil, errors.New("tracker: page is required")
	}

	t := &Tracker{
		cfg:  cfg,
		page: page,
		now:  time.Now,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.kv == nil {
		t.kv = NewMemoryKV()
	}
	if t.transport == nil {
		tr, err := NewHTTPTransport(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		t.transport = tr
	}
	t.session = session{kv: t.kv, timeout: cfg.SessionTimeout}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Start tracks the page the tracker was created on.
func (t *Tracker) Start() {
	url := t.page.URL()
	t.mu.Lock()
	t.lastURL = url
	t.mu.Unlock()
	t.track(url)
}

// Track queues a pageview for the page's current URL.
func (t *Tracker) Track() {
	t.track(t.page.URL())
}

// Navigated records a client-side navigation to url. Repeated notifications
// for the URL last seen are ignored.
func (t *Tracker) Navigated(url string) {
	t.mu.Lock()
	if url == t.lastURL {
		t.mu.Unlock()
		return
	}
	t.lastURL = url
	t.mu.Unlock()
	t.track(url)
}

// Resume is called when the page becomes visible again. An expired session
// is discarded so the next pageview starts a new one.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}
	rotated, err := t.session.rotateIfExpired(t.now())
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to rotate session")
		return
	}
	if rotated {
		t.log.Debug().Msg("Session expired while hidden")
	}
}

// SessionID returns the current session id, "" before the first pageview.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.id
}

// Pending returns the number of queued events, in flight or not.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Tracker) track(url string) {
	if t.page.DoNotTrack() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}

	now := t.now()
	id, minted, err := t.session.touch(now)
	if err != nil {
		// The in-memory id is still usable.
		t.log.Warn().Err(err).Msg("Failed to persist session state")
	}
	if id == "" {
		return
	}
	if setter, ok := t.transport.(SessionCookieSetter); ok {
		setter.SetSessionCookie(id, t.cfg.SessionTimeout)
	}
	if minted {
		t.log.Debug().Str("session_id", id).Msg("Started session")
	}

	t.queue = append(t.queue, &entry{event: t.buildEvent(id, url)})

	if t.idleLocked() >= t.cfg.BatchSize {
		t.flushLocked()
		return
	}
	t.armLocked()
}

func (t *Tracker) buildEvent(sessionID, url string) Event {
	ev := Event{
		ProjectID: t.cfg.ProjectID,
		SessionID: sessionID,
		URL:       url,
		Referrer:  nonEmpty(t.page.Referrer()),
		Title:     nonEmpty(t.page.Title()),
		UserAgent: nonEmpty(t.page.UserAgent()),
		Timezone:  nonEmpty(t.page.Timezone()),
	}
	if w, h := t.page.Screen(); w > 0 && h > 0 {
		ev.ScreenWidth, ev.ScreenHeight = &w, &h
	}
	return ev
}

// Flush sends the next batch now instead of waiting for the timer.
func (t *Tracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}
	t.flushLocked()
}

func (t *Tracker) onTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = nil
	if t.disabled {
		return
	}
	t.flushLocked()
}

// idleLocked counts queued events that are not part of a send.
func (t *Tracker) idleLocked() int {
	n := 0
	for _, e := range t.queue {
		if !e.inflight {
			n++
		}
	}
	return n
}

func (t *Tracker) armLocked() {
	if t.timer != nil || t.idleLocked() == 0 {
		return
	}
	t.timer = time.AfterFunc(t.cfg.BatchTimeout, t.onTimer)
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// flushLocked takes up to BatchSize idle events from the front of the queue
// and sends them in the background.
func (t *Tracker) flushLocked() {
	t.stopTimerLocked()
	if t.page.DoNotTrack() {
		return
	}

	var batch []*entry
	for _, e := range t.queue {
		if len(batch) == t.cfg.BatchSize {
			break
		}
		if !e.inflight {
			e.inflight = true
			batch = append(batch, e)
		}
	}
	if len(batch) == 0 {
		return
	}
	t.armLocked()

	t.sends.Add(1)
	go func() {
		defer t.sends.Done()
		t.deliver(batch)
	}()
}

func (t *Tracker) deliver(batch []*entry) {
	events := make([]Event, len(batch))
	for i, e := range batch {
		events[i] = e.event
	}

	err := backoff.Retry(func() error {
		err := t.transport.Send(t.ctx, events)
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, t.retryPolicy())

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err == nil:
		t.removeLocked(batch)
	case errors.Is(err, ErrRejected):
		t.log.Warn().Int("events", len(batch)).Msg("Collector rejected batch, dropping it")
		t.removeLocked(batch)
	default:
		// Left queued for the next scheduled batch.
		t.log.Warn().Err(err).Int("events", len(batch)).Msg("Failed to send batch")
		for _, e := range batch {
			e.inflight = false
		}
	}
}

func (t *Tracker) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.cfg.RetryAttempts)), t.ctx)
}

func (t *Tracker) removeLocked(batch []*entry) {
	sent := make(map[*entry]struct{}, len(batch))
	for _, e := range batch {
		sent[e] = struct{}{}
	}
	kept := t.queue[:0]
	for _, e := range t.queue {
		if _, ok := sent[e]; !ok {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(t.queue); i++ {
		t.queue[i] = nil
	}
	t.queue = kept
}

// Teardown disables the tracker and makes one last best-effort delivery of
// every queued event. Pending retries are abandoned.
func (t *Tracker) Teardown() {
	t.mu.Lock()
	if t.disabled {
		t.mu.Unlock()
		return
	}
	t.disabled = true
	t.stopTimerLocked()
	t.mu.Unlock()

	t.cancel()
	t.sends.Wait()

	t.mu.Lock()
	events := make([]Event, len(t.queue))
	for i, e := range t.queue {
		events[i] = e.event
	}
	t.queue = nil
	t.mu.Unlock()

	if len(events) == 0 || t.page.DoNotTrack() {
		return
	}

	if b, ok := t.transport.(Beaconer); ok {
		if err := b.Beacon(events); err != nil {
			t.log.Warn().Err(err).Int("events", len(events)).Msg("Failed to beacon events")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.TeardownTimeout)
	defer cancel()
	if err := t.transport.Send(ctx, events); err != nil {
		t.log.Warn().Err(err).Int("events", len(events)).Msg("Failed to send events on teardown")
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
