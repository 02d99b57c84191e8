package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/drklauncher/launcher_downloads/internal/download"
	"github.com/drklauncher/launcher_downloads/internal/logctx"
)

const maxBodySize = 1 << 20

// Engine is the query surface the handlers are served from.
type Engine interface {
	CreateSingle(ctx context.Context, url, filename, displayName string) (download.Record, error)
	StartInstall(ctx context.Context, name string, files []download.File) (string, <-chan error)
	Get(id string) (download.Record, error)
	ListAll(f download.Filter) []download.Record
	ListActive() []download.Record
	ListCompleted() []download.Record
	Subscribe(fn func([]download.Record)) func()
	Pause(ctx context.Context, id string) bool
	Resume(ctx context.Context, id string) bool
	Cancel(ctx context.Context, id string) bool
	Retry(ctx context.Context, id string) bool
	RemoveFromHistory(ctx context.Context, id string) error
	ClearCompleted(ctx context.Context) int
	ClearErrors(ctx context.Context) int
	ClearFinished(ctx context.Context) int
	SetActiveProfile(profile string)
}

type CreateDownloadRequest struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	DisplayName string `json:"displayName"`
}

type InstallRequest struct {
	Name  string          `json:"name"`
	Files []download.File `json:"files"`
}

type InstallResponse struct {
	GroupID string `json:"groupId"`
}

type ActionResponse struct {
	Applied bool `json:"applied"`
}

type ClearResponse struct {
	Removed int `json:"removed"`
}

type ProfileRequest struct {
	Profile string `json:"profile"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	engine Engine
}

// NewDownloadsHandler creates the handler serving the download query surface.
func NewDownloadsHandler(engine Engine) *DownloadsHandler {
	return &DownloadsHandler{engine: engine}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Delete("/", h.Clear)
		r.Get("/active", h.ListActive)
		r.Get("/completed", h.ListCompleted)
		r.Get("/events", h.Events)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Remove)
			r.Post("/pause", h.action(h.engine.Pause))
			r.Post("/resume", h.action(h.engine.Resume))
			r.Post("/cancel", h.action(h.engine.Cancel))
			r.Post("/retry", h.action(h.engine.Retry))
		})
	})

	r.Post("/installs", h.Install)
	r.Put("/profile", h.SetProfile)

	return r
}

// List returns every visible download, optionally narrowed by ?status= and ?kind=.
func (h *DownloadsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := download.Filter{}

	for _, s := range splitQuery(r, "status") {
		status := download.Status(s)
		if !status.Valid() {
			writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("unknown status %q", s))

			return
		}

		filter.Statuses = append(filter.Statuses, status)
	}

	for _, k := range splitQuery(r, "kind") {
		filter.Kinds = append(filter.Kinds, download.Kind(k))
	}

	writeJSON(r.Context(), w, http.StatusOK, h.engine.ListAll(filter))
}

func (h *DownloadsHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.engine.ListActive())
}

func (h *DownloadsHandler) ListCompleted(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.engine.ListCompleted())
}

func (h *DownloadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), w, statusFor(err), err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, rec)
}

// Create starts a standalone download.
func (h *DownloadsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDownloadRequest
	if err := decode(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err)

		return
	}

	if req.URL == "" || req.Filename == "" {
		writeError(r.Context(), w, http.StatusBadRequest, errors.New("url and filename are required"))

		return
	}

	rec, err := h.engine.CreateSingle(r.Context(), req.URL, req.Filename, req.DisplayName)
	if err != nil {
		writeError(r.Context(), w, statusFor(err), err)

		return
	}

	writeJSON(r.Context(), w, http.StatusCreated, rec)
}

// Install starts a sequential group install and answers before it finishes. The outcome
// is observable through the group record.
func (h *DownloadsHandler) Install(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req InstallRequest
	if err := decode(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err)

		return
	}

	if req.Name == "" {
		writeError(r.Context(), w, http.StatusBadRequest, errors.New("name is required"))

		return
	}

	for i, f := range req.Files {
		if f.URL == "" || f.Filename == "" {
			writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("files[%d]: url and filename are required", i))

			return
		}
	}

	groupID, done := h.engine.StartInstall(r.Context(), req.Name, req.Files)
	if groupID == "" {
		err := <-done
		writeError(r.Context(), w, statusFor(err), err)

		return
	}

	go func() {
		if err := <-done; err != nil {
			logger.Warn("group install did not complete", "group_id", groupID, "err", err)
		}
	}()

	writeJSON(r.Context(), w, http.StatusAccepted, InstallResponse{GroupID: groupID})
}

func (h *DownloadsHandler) action(op func(ctx context.Context, id string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := h.engine.Get(id); err != nil {
			writeError(r.Context(), w, statusFor(err), err)

			return
		}

		writeJSON(r.Context(), w, http.StatusOK, ActionResponse{Applied: op(r.Context(), id)})
	}
}

func (h *DownloadsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveFromHistory(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(r.Context(), w, statusFor(err), err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Clear removes finished downloads selected by ?status=completed|error|finished.
func (h *DownloadsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	var removed int

	switch status := r.URL.Query().Get("status"); status {
	case "completed":
		removed = h.engine.ClearCompleted(r.Context())
	case "error":
		removed = h.engine.ClearErrors(r.Context())
	case "finished":
		removed = h.engine.ClearFinished(r.Context())
	default:
		writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("status must be completed, error or finished, got %q", status))

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, ClearResponse{Removed: removed})
}

func (h *DownloadsHandler) SetProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decode(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err)

		return
	}

	h.engine.SetActiveProfile(req.Profile)

	w.WriteHeader(http.StatusNoContent)
}

// Events streams snapshots as server-sent events, starting with the current one.
// Slow clients only ever receive the latest snapshot.
func (h *DownloadsHandler) Events(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	rc := http.NewResponseController(w)

	updates := make(chan []download.Record, 1)

	unsubscribe := h.engine.Subscribe(func(records []download.Record) {
		select {
		case <-updates:
		default:
		}

		updates <- records
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case records := <-updates:
			payload, err := json.Marshal(records)
			if err != nil {
				logger.Error("failed to marshal snapshot", "err", err)

				return
			}

			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
				logger.Debug("event stream closed", "err", err)

				return
			}

			if err := rc.Flush(); err != nil {
				logger.Error("event stream does not support flushing", "err", err)

				return
			}
		}
	}
}

func splitQuery(r *http.Request, key string) []string {
	var out []string

	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, download.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, download.ErrNoFiles), errors.Is(err, download.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, download.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, download.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := logctx.LoggerFromContext(ctx)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "err", err)
	} else {
		logger.Debug("request rejected", "status", status, "err", err)
	}

	writeJSON(ctx, w, status, ErrorResponse{Error: err.Error()})
}
