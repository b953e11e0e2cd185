// Package service runs the long-lived parts of each binary (HTTP server,
// limiter sweeper, Kafka consumer, finalizer, warehouse exporter) under a
// suture supervisor.
package service

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"
)

// NewSupervisor returns a root supervisor that logs its events through
// zerolog.
func NewSupervisor(name string, shutdownTimeout time.Duration) *suture.Supervisor {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return suture.New(name, suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}

func logEvent(ev suture.Event) {
	switch ev.(type) {
	case suture.EventServicePanic:
		log.Error().Fields(ev.Map()).Msg("Service panicked")
	case suture.EventServiceTerminate:
		log.Warn().Fields(ev.Map()).Msg("Service terminated")
	case suture.EventBackoff:
		log.Warn().Fields(ev.Map()).Msg("Supervisor entering backoff")
	case suture.EventResume:
		log.Info().Fields(ev.Map()).Msg("Supervisor resuming")
	case suture.EventStopTimeout:
		log.Error().Fields(ev.Map()).Msg("Service did not stop in time")
	default:
		log.Info().Str("event", ev.String()).Msg("Supervisor event")
	}
}
