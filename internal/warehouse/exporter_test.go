package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/pulse/internal/config"
	"github.com/gosight/pulse/internal/model"
	"github.com/gosight/pulse/internal/processor"
)

type fakeWriter struct {
	mu       sync.Mutex
	events   []EventRow
	sessions []SessionRow
	failures int
	calls    int
}

func (w *fakeWriter) InsertEvents(_ context.Context, rows []EventRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("clickhouse: connection refused")
	}
	w.events = append(w.events, rows...)
	return nil
}

// InsertSessions fails while event inserts are still failing.
func (w *fakeWriter) InsertSessions(_ context.Context, rows []SessionRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		return errors.New("clickhouse: connection refused")
	}
	w.sessions = append(w.sessions, rows...)
	return nil
}

func (w *fakeWriter) EventCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func record(session, path string, pageViews int) processor.Record {
	title := "Title"
	return processor.Record{
		Event: model.Event{
			ID: "ev-" + session + path, ProjectID: "p", SessionID: session,
			Type: model.EventTypePageview, Path: path, URL: "https://a.test" + path, Title: &title,
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Session:  model.Session{SessionID: session, ProjectID: "p", ExitPage: path, PageViews: pageViews, IsBounce: pageViews == 1},
		Device:   model.Device{Browser: "Firefox", OS: "Linux", DeviceType: model.DeviceDesktop, ScreenWidth: 70000},
		Geo:      model.Geo{Country: "DE", City: "Berlin"},
		Referrer: &model.Referrer{Domain: "google.com"},
	}
}

func TestExporter_FlushWritesDenormalizedRows(t *testing.T) {
	w := &fakeWriter{}
	e := NewExporter(w, config.BatchConfig{Size: 100, FlushInterval: time.Hour})

	e.ExportEvent(record("s1", "/a", 1))
	e.ExportEvent(record("s1", "/b", 2))
	e.ExportEvent(record("s2", "/c", 1))

	events, sessions := e.Pending()
	assert.Equal(t, 3, events)
	assert.Equal(t, 2, sessions)

	require.NoError(t, e.Flush(context.Background()))

	require.Len(t, w.events, 3)
	row := w.events[0]
	assert.Equal(t, "/a", row.PagePath)
	assert.Equal(t, "Title", row.PageTitle)
	assert.Equal(t, "google.com", row.ReferrerDomain)
	assert.Equal(t, "Berlin", row.City)
	assert.Equal(t, uint16(0xFFFF), row.ScreenWidth)

	require.Len(t, w.sessions, 2)
	assert.Equal(t, "s1", w.sessions[0].SessionID)
	assert.Equal(t, "/b", w.sessions[0].ExitPage)
	assert.Equal(t, uint32(2), w.sessions[0].PageViews)
	assert.Equal(t, uint8(0), w.sessions[0].IsBounced)
	assert.Equal(t, uint8(1), w.sessions[1].IsBounced)

	events, sessions = e.Pending()
	assert.Zero(t, events)
	assert.Zero(t, sessions)
}

func TestExporter_FailedRowsAreRequeuedInFront(t *testing.T) {
	w := &fakeWriter{failures: 1}
	e := NewExporter(w, config.BatchConfig{Size: 100, FlushInterval: time.Hour})

	e.ExportEvent(record("s1", "/first", 1))
	require.Error(t, e.Flush(context.Background()))

	e.ExportEvent(record("s1", "/second", 2))
	require.NoError(t, e.Flush(context.Background()))

	require.Len(t, w.events, 2)
	assert.Equal(t, "/first", w.events[0].PagePath)
	assert.Equal(t, "/second", w.events[1].PagePath)
}

func TestExporter_BufferIsBounded(t *testing.T) {
	w := &fakeWriter{failures: 100}
	e := NewExporter(w, config.BatchConfig{Size: 2, FlushInterval: time.Hour})

	for i := 0; i < 25; i++ {
		e.ExportEvent(record(fmt.Sprintf("s%d", i), fmt.Sprintf("/%d", i), 1))
	}
	_ = e.Flush(context.Background())

	events, sessions := e.Pending()
	assert.Equal(t, 20, events)
	assert.LessOrEqual(t, sessions, 20)
}

func TestExporter_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	w := &fakeWriter{failures: 100}
	e := NewExporter(w, config.BatchConfig{Size: 100, FlushInterval: time.Hour})

	for i := 0; i < 3; i++ {
		e.ExportEvent(record("s", "/x", 1))
		require.Error(t, e.Flush(context.Background()))
	}
	callsBefore := w.calls

	err := e.Flush(context.Background())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, callsBefore, w.calls, "open breaker must not reach the writer")
}

func TestExporter_ExportSessionKeepsLatestSnapshot(t *testing.T) {
	w := &fakeWriter{}
	e := NewExporter(w, config.BatchConfig{Size: 100, FlushInterval: time.Hour})

	e.ExportEvent(record("s1", "/a", 1))
	ended := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	d := int64(1800000)
	e.ExportSession(model.Session{SessionID: "s1", ProjectID: "p", ExitPage: "/a", PageViews: 1, IsBounce: true, EndedAt: &ended, DurationMs: &d})

	require.NoError(t, e.Flush(context.Background()))
	require.Len(t, w.sessions, 1)
	require.NotNil(t, w.sessions[0].EndedAt)
	require.NotNil(t, w.sessions[0].DurationMs)
	assert.Equal(t, uint64(1800000), *w.sessions[0].DurationMs)
}

func TestExporter_ServeFlushesWhenFullAndOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	e := NewExporter(w, config.BatchConfig{Size: 2, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	e.ExportEvent(record("s1", "/a", 1))
	e.ExportEvent(record("s1", "/b", 2))
	require.Eventually(t, func() bool { return w.EventCount() == 2 }, time.Second, 5*time.Millisecond)

	e.ExportEvent(record("s2", "/c", 1))
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	assert.Equal(t, 3, w.EventCount())
}
