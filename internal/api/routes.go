package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipcut/clipcut-agent/internal/operation"
	"github.com/clipcut/clipcut-agent/internal/orchestrator"
	"github.com/clipcut/clipcut-agent/internal/segment"
	"github.com/clipcut/clipcut-agent/internal/sessions"
	"github.com/clipcut/clipcut-agent/internal/workspace"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	if cfg.LoopbackOnly {
		r.Use(LoopbackOnly(cfg.Logger))
	}
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Post("/sessions/local", importLocalHandler(cfg))
		r.Get("/sessions/{id}/outputs", listOutputsHandler(cfg))
		r.Delete("/sessions/{id}/outputs", clearOutputsHandler(cfg))
		r.Get("/sessions/{id}/outputs/{name}", serveOutputHandler(cfg))
		r.Head("/sessions/{id}/outputs/{name}", serveOutputHandler(cfg))

		r.Get("/extractions", listExtractionsHandler(cfg))
		r.Post("/extractions", startExtractionHandler(cfg))
		r.Get("/extractions/{id}", getExtractionHandler(cfg))
		r.Get("/extractions/{id}/events", extractionEventsHandler(cfg))
		r.Post("/extractions/{id}/cancel", cancelExtractionHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := cfg.Orchestrator.Active()
		slices.Sort(active)

		resp := StatusResponse{
			State:          "idle",
			ActiveSessions: active,
		}
		if len(active) > 0 {
			resp.State = "extracting"
		}

		if cfg.Repository != nil {
			recent, _ := cfg.Repository.ListSessions(r.Context(), 10)
			for _, s := range recent {
				resp.Recent = append(resp.Recent, SessionToResponse(s))
				if s.Status == sessions.StatusFailed && resp.LastError == "" {
					resp.LastError = s.Error
				}
			}
		}

		// Only a cached report is shown; probing happens at startup and
		// via the doctor command.
		if cfg.Doctor != nil {
			if report := cfg.Doctor.Peek(); report != nil {
				resp.Tools = ToolsToResponse(report)
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func importLocalHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImportLocalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}

		id := sessions.NewID()
		ws, err := cfg.Workspaces.Open(id)
		if err != nil {
			cfg.Logger.Error("failed to create workspace", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to create workspace", "INTERNAL_ERROR")
			return
		}

		name, err := ws.ImportFile(req.Path)
		if err != nil {
			_ = cfg.Workspaces.Remove(id)
			WriteError(w, http.StatusBadRequest, err.Error(), "IMPORT_FAILED")
			return
		}

		cfg.Logger.Info("local file imported", "session_id", id, "filename", name)
		WriteJSON(w, http.StatusCreated, ImportLocalResponse{SessionID: id, Filename: name})
	}
}

func startExtractionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExtractionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		source := req.Source
		if req.Filename != "" {
			if req.SessionID == "" {
				WriteError(w, http.StatusBadRequest, "session_id is required with filename", "BAD_REQUEST")
				return
			}
			ws, err := cfg.Workspaces.Lookup(req.SessionID)
			if err != nil {
				writeWorkspaceError(w, err)
				return
			}
			path, err := ws.SourcePath(req.Filename)
			if err != nil {
				writeWorkspaceError(w, err)
				return
			}
			source = path
		}
		if source == "" {
			WriteError(w, http.StatusBadRequest, "source or session_id and filename are required", "BAD_REQUEST")
			return
		}

		h, err := cfg.Orchestrator.StartExtraction(r.Context(), orchestrator.Request{
			SessionID: req.SessionID,
			Source:    source,
			Segments:  req.segments(),
			Quality:   req.Quality,
		})
		if err != nil {
			writeStartError(cfg, w, err)
			return
		}

		WriteJSON(w, http.StatusAccepted, ExtractionAccepted{
			SessionID: h.SessionID,
			EventsURL: "/extractions/" + h.SessionID + "/events",
		})
	}
}

func writeStartError(cfg ServerConfig, w http.ResponseWriter, err error) {
	var mie *segment.MergeInputError
	switch {
	case errors.As(err, &mie):
		WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_SEGMENTS")
	case errors.Is(err, operation.ErrSessionActive):
		WriteError(w, http.StatusConflict, err.Error(), "SESSION_ACTIVE")
	case errors.Is(err, workspace.ErrInvalidSessionID):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, fs.ErrNotExist):
		WriteError(w, http.StatusBadRequest, err.Error(), "SOURCE_NOT_FOUND")
	case errors.Is(err, orchestrator.ErrInvalidSource):
		WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_SOURCE")
	default:
		cfg.Logger.Error("failed to start extraction", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to start extraction", "INTERNAL_ERROR")
	}
}

func listExtractionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Repository == nil {
			WriteJSON(w, http.StatusOK, SessionsResponse{Sessions: []SessionResponse{}})
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := cfg.Repository.ListSessions(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sessions", "INTERNAL_ERROR")
			return
		}

		resp := SessionsResponse{Sessions: make([]SessionResponse, len(list))}
		for i, s := range list {
			resp.Sessions[i] = SessionToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExtractionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s, err := cfg.Orchestrator.Status(r.Context(), id)
		if errors.Is(err, orchestrator.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, SessionToResponse(s))
	}
}

func cancelExtractionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if cfg.Orchestrator.Cancel(id) {
			WriteJSON(w, http.StatusOK, CancelResponse{Cancelled: true})
			return
		}

		s, err := cfg.Orchestrator.Status(r.Context(), id)
		if errors.Is(err, orchestrator.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, CancelResponse{Cancelled: false, Status: s.Status})
	}
}

func listOutputsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := cfg.Workspaces.Lookup(chi.URLParam(r, "id"))
		if err != nil {
			writeWorkspaceError(w, err)
			return
		}

		files, err := ws.ListOutputs()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list outputs", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, OutputsToResponse(ws.ID, files))
	}
}

func clearOutputsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if slices.Contains(cfg.Orchestrator.Active(), id) {
			WriteError(w, http.StatusConflict, "session is still running", "SESSION_ACTIVE")
			return
		}

		ws, err := cfg.Workspaces.Lookup(id)
		if err != nil {
			writeWorkspaceError(w, err)
			return
		}

		removed, err := ws.ClearOutputs()
		if err != nil {
			cfg.Logger.Error("failed to clear outputs", "session_id", id, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to clear outputs", "INTERNAL_ERROR")
			return
		}
		cfg.Logger.Info("outputs cleared", "session_id", id, "removed", removed)
		WriteJSON(w, http.StatusOK, ClearOutputsResponse{Removed: removed})
	}
}

func serveOutputHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ws, err := cfg.Workspaces.Lookup(id)
		if err != nil {
			writeWorkspaceError(w, err)
			return
		}

		path, err := ws.ResolveOutput(chi.URLParam(r, "name"))
		if err != nil {
			writeWorkspaceError(w, err)
			return
		}

		download := r.URL.Query().Get("download") == "1"
		if err := cfg.Playback.ServeFile(w, r, path, download); err != nil {
			cfg.Logger.Error("playback error", "error", err, "session_id", id)
		}
	}
}

func writeWorkspaceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrInvalidSessionID), errors.Is(err, workspace.ErrInvalidName):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, workspace.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}
