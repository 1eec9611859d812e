package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/careloop-ai/careloop/internal/bus"
	"github.com/careloop-ai/careloop/internal/eventlog"
	"github.com/careloop-ai/careloop/internal/model"
	"github.com/careloop-ai/careloop/internal/registry"
	"github.com/careloop-ai/careloop/internal/store"
)

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	bus       *bus.Bus
	log       *eventlog.Log
	registry  *registry.Registry
	store     store.DocumentStore
	pinger    Pinger
	logger    *slog.Logger
	startedAt time.Time
	version   string
	heartbeat time.Duration
	logWindow int
	clock     clock.Clock
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Pinger, Clock.
type HandlersDeps struct {
	Bus       *bus.Bus
	Log       *eventlog.Log
	Registry  *registry.Registry
	Store     store.DocumentStore
	Pinger    Pinger
	Logger    *slog.Logger
	Version   string
	Heartbeat time.Duration
	LogWindow int
	Clock     clock.Clock
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	hb := d.Heartbeat
	if hb <= 0 {
		hb = 15 * time.Second
	}
	window := d.LogWindow
	if window <= 0 {
		window = 50
	}
	c := d.Clock
	if c == nil {
		c = clock.New()
	}
	return &Handlers{
		bus:       d.Bus,
		log:       d.Log,
		registry:  d.Registry,
		store:     d.Store,
		pinger:    d.Pinger,
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
		heartbeat: hb,
		logWindow: window,
		clock:     c,
	}
}

// HandleRequestBooking handles POST /api/request-booking. The booking itself
// happens asynchronously in the scheduler; 202 acknowledges the publish only.
func (h *Handlers) HandleRequestBooking(w http.ResponseWriter, r *http.Request) {
	evt, err := h.bus.Publish(r.Context(), model.EventRequestBooking,
		map[string]string{"requestedAt": time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		h.writeInternalError(w, r, "failed to publish booking request", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, evt)
}

// HandleSubmitSymptoms handles POST /api/submit-symptoms.
func (h *Handlers) HandleSubmitSymptoms(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitSymptomsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text is required")
		return
	}

	evt, err := h.bus.Publish(r.Context(), model.EventSymptomsSubmitted,
		model.SymptomsPayload{Text: req.Text, Vitals: req.Vitals})
	if err != nil {
		h.writeInternalError(w, r, "failed to publish symptoms", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, evt)
}

// HandleSubmitEvent handles POST /api/events, the generic publish surface.
// Any type is accepted; types nobody subscribes to still reach the log.
func (h *Handlers) HandleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "type is required")
		return
	}

	evt, err := h.bus.Publish(r.Context(), req.Type, req.Payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to publish event", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, evt)
}

// HandleSubmitRun handles POST /api/agents/run.
func (h *Handlers) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "task is required")
		return
	}

	run := h.registry.Create(req.Task, req.Params)
	// Execution outlives the request; detach from the request context.
	if err := h.registry.Start(context.WithoutCancel(r.Context()), run.ID); err != nil {
		h.writeInternalError(w, r, "failed to start run", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.SubmitRunResponse{
		RunID:  run.ID.String(),
		Status: "started",
	})
}

// HandleGetRun handles GET /api/agents/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.registry.Result(runID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.RunResult{
		RunID:        run.ID.String(),
		Task:         run.Task,
		Status:       run.Status,
		Steps:        run.Steps,
		FinalMessage: run.FinalMessage,
		Error:        run.Error,
	})
}

// HandleState handles GET /api/state. Missing singleton documents appear as
// null rather than failing the snapshot.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	snapshot := model.Snapshot{Log: h.log.Recent(h.logWindow)}

	booking, err := store.ReadBooking(r.Context(), h.store)
	switch {
	case err == nil:
		snapshot.Booking = booking
	case !errors.Is(err, store.ErrNotFound):
		h.writeInternalError(w, r, "failed to read booking", err)
		return
	}

	coverage, err := store.ReadCoverage(r.Context(), h.store)
	switch {
	case err == nil:
		snapshot.Coverage = coverage
	case !errors.Is(err, store.ErrNotFound):
		h.writeInternalError(w, r, "failed to read coverage", err)
		return
	}

	wellness, err := store.ReadWellness(r.Context(), h.store)
	switch {
	case err == nil:
		snapshot.Wellness = wellness
	case !errors.Is(err, store.ErrNotFound):
		h.writeInternalError(w, r, "failed to read wellness", err)
		return
	}

	writeJSON(w, r, http.StatusOK, snapshot)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	dbStatus := "connected"

	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
			dbStatus = "disconnected"
		}
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":  status,
		"version": h.version,
		"sqlite":  dbStatus,
		"uptime":  int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	runIDStr := r.PathValue("run_id")
	if runIDStr == "" {
		return uuid.Nil, fmt.Errorf("run_id is required")
	}
	id, err := uuid.Parse(runIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id: %s", runIDStr)
	}
	return id, nil
}
