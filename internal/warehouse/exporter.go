// Package warehouse mirrors processed events and session snapshots into
// ClickHouse for analytical queries. Writes are buffered and flushed in
// batches; the transactional store remains the source of truth.
package warehouse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/gosight/pulse/internal/config"
	"github.com/gosight/pulse/internal/metrics"
	"github.com/gosight/pulse/internal/model"
	"github.com/gosight/pulse/internal/processor"
)

// Writer persists row batches. *ClickHouse implements it.
type Writer interface {
	InsertEvents(ctx context.Context, rows []EventRow) error
	InsertSessions(ctx context.Context, rows []SessionRow) error
}

// Exporter buffers rows and flushes them when the batch is full, on every
// flush interval and on shutdown. It implements processor.Sink.
type Exporter struct {
	writer   Writer
	breaker  *gobreaker.CircuitBreaker[struct{}]
	size     int
	maxRows  int
	interval time.Duration
	now      func() time.Time

	mu           sync.Mutex
	events       []EventRow
	sessions     map[string]SessionRow
	sessionOrder []string

	full chan struct{}
}

var _ processor.Sink = (*Exporter)(nil)

func NewExporter(w Writer, cfg config.BatchConfig) *Exporter {
	size := cfg.Size
	if size <= 0 {
		size = 1000
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Exporter{
		writer: w,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "clickhouse",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		}),
		size:     size,
		maxRows:  size * 10,
		interval: interval,
		now:      time.Now,
		sessions: make(map[string]SessionRow),
		full:     make(chan struct{}, 1),
	}
}

func (e *Exporter) ExportEvent(rec processor.Record) {
	e.mu.Lock()
	e.events = append(e.events, newEventRow(rec))
	e.putSession(newSessionRow(rec.Session, e.now()))
	full := len(e.events) >= e.size
	e.mu.Unlock()

	if full {
		e.signalFull()
	}
}

func (e *Exporter) ExportSession(s model.Session) {
	e.mu.Lock()
	e.putSession(newSessionRow(s, e.now()))
	full := len(e.sessionOrder) >= e.size
	e.mu.Unlock()

	if full {
		e.signalFull()
	}
}

// putSession keeps only the latest snapshot per session. Callers hold mu.
func (e *Exporter) putSession(row SessionRow) {
	if _, ok := e.sessions[row.SessionID]; !ok {
		e.sessionOrder = append(e.sessionOrder, row.SessionID)
	}
	e.sessions[row.SessionID] = row
}

func (e *Exporter) signalFull() {
	select {
	case e.full <- struct{}{}:
	default:
	}
}

// Pending reports the number of buffered event and session rows.
func (e *Exporter) Pending() (events, sessions int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events), len(e.sessionOrder)
}

// Flush writes everything buffered. Rows from a failed write go back to the
// front of the buffer.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	events := e.events
	sessions := make([]SessionRow, 0, len(e.sessionOrder))
	for _, id := range e.sessionOrder {
		sessions = append(sessions, e.sessions[id])
	}
	e.events = nil
	e.sessions = make(map[string]SessionRow)
	e.sessionOrder = nil
	e.mu.Unlock()

	if len(events) == 0 && len(sessions) == 0 {
		return nil
	}

	start := time.Now()
	var errs []error

	if len(events) > 0 {
		if err := e.write(ctx, func(ctx context.Context) error { return e.writer.InsertEvents(ctx, events) }); err != nil {
			metrics.WarehouseRowsTotal.WithLabelValues("events", "failed").Add(float64(len(events)))
			e.requeueEvents(events)
			errs = append(errs, err)
		} else {
			metrics.WarehouseRowsTotal.WithLabelValues("events", "written").Add(float64(len(events)))
		}
	}

	if len(sessions) > 0 {
		if err := e.write(ctx, func(ctx context.Context) error { return e.writer.InsertSessions(ctx, sessions) }); err != nil {
			metrics.WarehouseRowsTotal.WithLabelValues("sessions", "failed").Add(float64(len(sessions)))
			e.requeueSessions(sessions)
			errs = append(errs, err)
		} else {
			metrics.WarehouseRowsTotal.WithLabelValues("sessions", "written").Add(float64(len(sessions)))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Debug().
		Int("events", len(events)).
		Int("sessions", len(sessions)).
		Dur("duration", time.Since(start)).
		Msg("Flushed rows to ClickHouse")
	return nil
}

func (e *Exporter) write(ctx context.Context, fn func(context.Context) error) error {
	_, err := e.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (e *Exporter) requeueEvents(rows []EventRow) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(rows, e.events...)
	if over := len(e.events) - e.maxRows; over > 0 {
		log.Warn().Int("dropped", over).Msg("Warehouse buffer full, dropping oldest event rows")
		e.events = e.events[over:]
	}
}

// requeueSessions restores failed snapshots unless a newer one arrived in the
// meantime.
func (e *Exporter) requeueSessions(rows []SessionRow) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order := make([]string, 0, len(rows)+len(e.sessionOrder))
	for _, row := range rows {
		if _, newer := e.sessions[row.SessionID]; newer {
			continue
		}
		e.sessions[row.SessionID] = row
		order = append(order, row.SessionID)
	}
	e.sessionOrder = append(order, e.sessionOrder...)

	if over := len(e.sessionOrder) - e.maxRows; over > 0 {
		for _, id := range e.sessionOrder[:over] {
			delete(e.sessions, id)
		}
		e.sessionOrder = e.sessionOrder[over:]
	}
}

// Serve flushes on every interval or when a batch fills up, and once more
// when ctx is done.
func (e *Exporter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := e.Flush(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Final warehouse flush failed")
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
		case <-e.full:
		}
		if err := e.Flush(ctx); err != nil {
			log.Error().Err(err).Msg("Warehouse flush failed")
		}
	}
}

func (e *Exporter) String() string { return "warehouse-exporter" }
