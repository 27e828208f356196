package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"clientdesk/internal/apperr"
	"clientdesk/internal/upload"

	"github.com/go-chi/chi/v5"
)

const healthTimeout = 2 * time.Second

// ServePhoto streams a stored identity photo.
func (h *Handlers) ServePhoto(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rc, err := h.uploads.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			h.writeError(w, r, apperr.NotFound("Photo not found"))
			return
		}
		h.writeError(w, r, apperr.Internal("Unable to reach server", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", upload.ContentTypeOf(name))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger(r).Warnw("failed to stream photo", "name", name, "error", err)
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health reports whether the service and its dependencies respond.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger(r).Warnw("health check failed", "dependency", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	h.writeJSON(w, r, status, resp)
}
