package processor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/pulse/internal/metrics"
	"github.com/gosight/pulse/internal/store"
)

// Finalizer ends sessions that have been idle for longer than the client's
// session timeout. The end time is the last time the session was seen.
type Finalizer struct {
	store    store.Store
	sink     Sink
	idle     time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewFinalizer returns a Finalizer. sink may be nil.
func NewFinalizer(st store.Store, sink Sink, idle, interval time.Duration) *Finalizer {
	return &Finalizer{
		store:    st,
		sink:     sink,
		idle:     idle,
		interval: interval,
		now:      time.Now,
	}
}

// Finalize closes idle sessions once and reports how many were closed.
func (f *Finalizer) Finalize(ctx context.Context) (int, error) {
	closed, err := f.store.CloseIdleSessions(ctx, f.now().Add(-f.idle))
	if err != nil {
		return 0, err
	}
	for _, s := range closed {
		if f.sink != nil {
			f.sink.ExportSession(s)
		}
	}
	if n := len(closed); n > 0 {
		metrics.SessionsFinalizedTotal.Add(float64(n))
		log.Info().Int("count", n).Msg("Finalized idle sessions")
	}
	return len(closed), nil
}

// Serve runs Finalize every interval until ctx is done.
func (f *Finalizer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := f.Finalize(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to finalize idle sessions")
			}
		}
	}
}

func (f *Finalizer) String() string { return "session-finalizer" }
