package handler

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/pulse/internal/clientip"
	"github.com/gosight/pulse/internal/config"
	"github.com/gosight/pulse/internal/dispatch"
	"github.com/gosight/pulse/internal/metrics"
	"github.com/gosight/pulse/internal/model"
	"github.com/gosight/pulse/internal/ratelimit"
	"github.com/gosight/pulse/internal/store"
	"github.com/gosight/pulse/internal/validation"
)

// CollectHandler is the ingestion endpoint. Each request passes four gates in
// order (caller rate limit, schema, per-project rate limit, project existence)
// before any event is dispatched. Past the gates, per-event failures are only
// logged.
type CollectHandler struct {
	limiter    ratelimit.Checker
	projects   store.ProjectChecker
	dispatcher dispatch.Dispatcher
	limits     config.RateLimitConfig
	maxBody    int64
	fanOut     int
	now        func() time.Time
}

func NewCollectHandler(cfg *config.Config, limiter ratelimit.Checker, projects store.ProjectChecker, d dispatch.Dispatcher) *CollectHandler {
	return &CollectHandler{
		limiter:    limiter,
		projects:   projects,
		dispatcher: d,
		limits:     cfg.RateLimit,
		maxBody:    cfg.Server.MaxBodyBytes,
		fanOut:     cfg.Ingest.MaxConcurrency,
		now:        time.Now,
	}
}

func (h *CollectHandler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ip := clientip.FromRequest(r)
	if res, ok := h.admit(ctx, "ip:"+ip, h.limits.IPLimit, h.limits.IPWindow); !ok {
		metrics.RecordRateLimited(metrics.ScopeIP)
		h.rateLimited(w, "Rate limit exceeded", res)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := "failed to read request body"
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		metrics.RecordRequest(metrics.OutcomeInvalid)
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "Invalid request data",
			Details: []validation.FieldError{{Message: msg}},
		})
		return
	}

	events, err := validation.ParseBatch(body)
	if err != nil {
		var batchErr *validation.BatchError
		if errors.As(err, &batchErr) {
			metrics.RecordRequest(metrics.OutcomeInvalid)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request data", Details: batchErr.Details})
			return
		}
		h.internalError(w, err)
		return
	}

	projectIDs := distinctProjects(events)
	for _, id := range projectIDs {
		if res, ok := h.admit(ctx, "project:"+id, h.limits.ProjectLimit, h.limits.ProjectWindow); !ok {
			metrics.RecordRateLimited(metrics.ScopeProject)
			h.rateLimited(w, "Project rate limit exceeded", res)
			return
		}
	}

	if len(projectIDs) > 0 {
		missing, err := h.projects.MissingProjects(ctx, projectIDs)
		if err != nil {
			h.internalError(w, err)
			return
		}
		if len(missing) > 0 {
			metrics.RecordRequest(metrics.OutcomeUnknownProject)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid project IDs", Projects: missing})
			return
		}
	}

	anonymized := clientip.Anonymize(ip)
	userAgent := r.Header.Get("User-Agent")
	receivedAt := h.now().UTC()
	jobs := make([]model.Job, len(events))
	for i, ev := range events {
		jobs[i] = model.Job{Event: ev, ClientIP: anonymized, UserAgent: userAgent, ReceivedAt: receivedAt}
	}

	// Accepted events are processed even if the client goes away.
	dispatch.FanOut(context.WithoutCancel(ctx), h.dispatcher, jobs, h.fanOut)

	metrics.RecordRequest(metrics.OutcomeAccepted)
	w.WriteHeader(http.StatusNoContent)
}

// admit fails open when the limiter backend errors.
func (h *CollectHandler) admit(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, bool) {
	res, err := h.limiter.Check(ctx, key, limit, window)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Rate limiter unavailable, admitting request")
		return res, true
	}
	return res, res.Allowed
}

func (h *CollectHandler) rateLimited(w http.ResponseWriter, msg string, res ratelimit.Result) {
	secs := int(math.Ceil(res.RetryAfter(h.now()).Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: msg})
}

func (h *CollectHandler) internalError(w http.ResponseWriter, err error) {
	metrics.RecordRequest(metrics.OutcomeError)
	log.Error().Err(err).Msg("Failed to handle collect request")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
}

func distinctProjects(events []model.TrackingEvent) []string {
	seen := make(map[string]struct{}, len(events))
	var ids []string
	for _, ev := range events {
		if _, ok := seen[ev.ProjectID]; ok {
			continue
		}
		seen[ev.ProjectID] = struct{}{}
		ids = append(ids, ev.ProjectID)
	}
	return ids
}
