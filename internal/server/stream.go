package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/careloop-ai/careloop/internal/model"
)

// formatSSE formats one Server-Sent Events message.
// SSE format: "event: <type>\ndata: <payload>\n\n"
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// writeHeartbeat emits a named heartbeat event. Clients listen on the
// heartbeat channel by name, so a bare comment frame is not enough; the
// event also keeps idle connections from being reaped by proxies.
func (h *Handlers) writeHeartbeat(w http.ResponseWriter, flusher http.Flusher) bool {
	data, err := json.Marshal(map[string]int64{"t": h.clock.Now().UnixMilli()})
	if err != nil {
		return false
	}
	if _, err := w.Write(formatSSE(model.RunChannelHeartbeat, data)); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// beginSSE writes the stream headers and clears the server write deadline
// for this long-lived connection. Without the deadline reset, idle streams
// are killed once WriteTimeout elapses.
func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	return flusher, true
}

// HandleEventStream handles GET /api/events/stream (SSE). Every event that
// reaches the log is forwarded with the event type as the SSE event name.
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := beginSSE(w)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	ch := h.log.Subscribe()
	defer h.log.Unsubscribe(ch)

	keepalive := h.clock.Ticker(h.heartbeat)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if !h.writeHeartbeat(w, flusher) {
				return
			}
		case entry, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				h.logger.Warn("event stream: marshal log entry", "error", err)
				continue
			}
			if _, err := w.Write(formatSSE(entry.Type, data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleRunStream handles GET /api/agents/runs/{run_id}/stream (SSE).
// The client first receives the run's current state (status, every buffered
// step, the final message when the run already ended) and then the live
// tail. An unknown run id yields a single unknown_run status frame and
// heartbeats; clients treat it the same as a run they missed entirely.
func (h *Handlers) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	keepalive := h.clock.Ticker(h.heartbeat)
	defer keepalive.Stop()
	ctx := r.Context()

	snapshot, ch, err := h.registry.Subscribe(runID)
	if err != nil {
		writeSSEJSON(w, flusher, model.RunChannelStatus, map[string]string{"status": "unknown_run"})
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				if !h.writeHeartbeat(w, flusher) {
					return
				}
			}
		}
	}
	defer h.registry.Unsubscribe(runID, ch)

	if !replaySnapshot(w, flusher, snapshot) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if !h.writeHeartbeat(w, flusher) {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(formatSSE(evt.Channel, evt.Payload)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replaySnapshot emits the point-in-time state captured at subscription.
// Together with the live tail this reconstructs the full step sequence with
// no gaps: steps emitted after the snapshot arrive on the watch channel.
func replaySnapshot(w http.ResponseWriter, flusher http.Flusher, run model.Run) bool {
	if !writeSSEJSON(w, flusher, model.RunChannelStatus, map[string]string{"status": string(run.Status)}) {
		return false
	}
	for _, step := range run.Steps {
		if !writeSSEJSON(w, flusher, model.RunChannelStep, step) {
			return false
		}
	}
	if run.Status.Terminal() {
		final := map[string]any{"status": run.Status, "message": run.FinalMessage}
		if run.Status == model.RunStatusFailed {
			final = map[string]any{"status": run.Status, "error": run.Error}
		}
		if !writeSSEJSON(w, flusher, model.RunChannelFinal, final) {
			return false
		}
	}
	return true
}

func writeSSEJSON(w http.ResponseWriter, flusher http.Flusher, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := w.Write(formatSSE(event, data)); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
