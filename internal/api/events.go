package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipcut/clipcut-agent/internal/orchestrator"
)

// extractionEventsHandler streams progress as Server-Sent Events:
//
//	event: progress  {"percentage":42,"phase":"fetching"}
//	event: done      the final session record
//
// A finished session yields a single done event.
func extractionEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ctx := r.Context()

		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		h, live := cfg.Orchestrator.Handle(id)
		if !live {
			s, err := cfg.Orchestrator.Status(ctx, id)
			if errors.Is(err, orchestrator.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
				return
			}
			if err != nil {
				WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
				return
			}
			startStream(w)
			writeEvent(w, "done", SessionToResponse(s))
			flusher.Flush()
			return
		}

		startStream(w)
		flusher.Flush()

		events := h.Events()
		defer h.Unsubscribe(events)

		interval := cfg.Heartbeat
		if interval <= 0 {
			interval = defaultHeartbeat
		}
		heartbeat := time.NewTicker(interval)
		defer heartbeat.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					<-h.Done()
					s, err := cfg.Orchestrator.Status(ctx, id)
					if err != nil {
						s = h.Snapshot()
					}
					writeEvent(w, "done", SessionToResponse(s))
					flusher.Flush()
					return
				}
				writeEvent(w, "progress", ProgressEventResponse{Percentage: ev.Percentage, Phase: string(ev.Phase)})
				flusher.Flush()
			case <-heartbeat.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

func startStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w io.Writer, name string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
}
