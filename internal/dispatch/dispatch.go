// Package dispatch hands admitted events to the event processor, either in
// process or through a broker.
package dispatch

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosight/pulse/internal/metrics"
	"github.com/gosight/pulse/internal/model"
)

// Dispatcher delivers one job. An error means the job was not processed or
// not enqueued.
type Dispatcher interface {
	Dispatch(ctx context.Context, job model.Job) error
}

// JobProcessor is implemented by processor.Processor.
type JobProcessor interface {
	Process(ctx context.Context, job model.Job) error
}

// Inline processes jobs synchronously in the caller's goroutine.
type Inline struct {
	p JobProcessor
}

func NewInline(p JobProcessor) *Inline {
	return &Inline{p: p}
}

func (d *Inline) Dispatch(ctx context.Context, job model.Job) error {
	return d.p.Process(ctx, job)
}

// FanOut dispatches every job and waits for all of them to settle. Jobs that
// share a session id run one after another in batch order; distinct sessions
// run concurrently with at most limit in flight. Failures are logged and
// counted, never returned.
func FanOut(ctx context.Context, d Dispatcher, jobs []model.Job, limit int) {
	if len(jobs) == 0 {
		return
	}
	if limit <= 0 {
		limit = 1
	}

	order := make([]string, 0, len(jobs))
	bySession := make(map[string][]model.Job, len(jobs))
	for _, job := range jobs {
		id := job.Event.SessionID
		if _, ok := bySession[id]; !ok {
			order = append(order, id)
		}
		bySession[id] = append(bySession[id], job)
	}

	// A plain Group: one failed job must not cancel the others.
	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range order {
		group := bySession[id]
		g.Go(func() error {
			for _, job := range group {
				dispatchOne(ctx, d, job)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func dispatchOne(ctx context.Context, d Dispatcher, job model.Job) {
	metrics.EventsDispatchedTotal.Inc()
	if err := d.Dispatch(ctx, job); err != nil {
		metrics.ProcessingFailuresTotal.Inc()
		log.Error().
			Err(err).
			Str("project_id", job.Event.ProjectID).
			Str("session_id", job.Event.SessionID).
			Str("url", job.Event.URL).
			Msg("Failed to process event")
	}
}
