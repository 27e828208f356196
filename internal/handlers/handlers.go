package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clientdesk/internal/apperr"
	"clientdesk/internal/auth"
	"clientdesk/internal/clients"
	"clientdesk/internal/models"
	"clientdesk/internal/upload"

	"go.uber.org/zap"
)

// Context key type to avoid collisions.
type contextKey string

const (
	// SessionContextKey is the context key for the caller's session.
	SessionContextKey contextKey = "session"
	// RequestIDContextKey is the context key for the request ID.
	RequestIDContextKey contextKey = "request_id"
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "sid"

	maxJSONBody = 1 << 20
)

// Pinger is a dependency the health check pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options holds HTTP-level settings.
type Options struct {
	SecureCookie  bool
	AllowedOrigin string
	// AuthRate and AuthBurst limit login and register calls per client IP.
	AuthRate  float64
	AuthBurst int
	// IBANCountry is used by generate-iban when no country is given.
	IBANCountry string
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	auth    *auth.Service
	clients *clients.Service
	uploads *upload.Handler
	checks  map[string]Pinger
	opts    Options
	log     *zap.SugaredLogger
	limiter *RateLimiter
}

// NewHandlers creates a new Handlers instance. checks names the
// dependencies reported by /health.
func NewHandlers(authSvc *auth.Service, clientSvc *clients.Service, uploads *upload.Handler, checks map[string]Pinger, opts Options, log *zap.SugaredLogger) *Handlers {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.IBANCountry == "" {
		opts.IBANCountry = "LT"
	}
	return &Handlers{
		auth:    authSvc,
		clients: clientSvc,
		uploads: uploads,
		checks:  checks,
		opts:    opts,
		log:     log,
		limiter: NewRateLimiter(opts.AuthRate, opts.AuthBurst, log),
	}
}

// GetSessionFromContext retrieves the authenticated session from request context.
func GetSessionFromContext(r *http.Request) *models.Session {
	if s, ok := r.Context().Value(SessionContextKey).(*models.Session); ok {
		return s
	}
	return nil
}

// AuthMiddleware wraps handlers to require authentication.
// Sessions past the halfway point of their lifetime are renewed by the auth
// service; the cookie is re-issued to match.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			h.writeError(w, r, apperr.Auth("Not authenticated"))
			return
		}

		session, renewed, err := h.auth.CurrentUser(r.Context(), cookie.Value)
		if err != nil {
			if apperr.Is(err, apperr.KindAuth) {
				// Invalid or expired session, clear the cookie
				h.clearSessionCookie(w)
			}
			h.writeError(w, r, err)
			return
		}
		if renewed {
			h.setSessionCookie(w, session)
		}

		ctx := context.WithValue(r.Context(), SessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, s *models.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    s.Token,
		Path:     "/",
		MaxAge:   int(time.Until(s.ExpiresAt).Seconds()),
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// logger returns the handler logger tagged with the request ID.
func (h *Handlers) logger(r *http.Request) *zap.SugaredLogger {
	if id, ok := r.Context().Value(RequestIDContextKey).(string); ok {
		return h.log.With("request_id", id)
	}
	return h.log
}

func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger(r).Warnw("failed to write response", "error", err)
	}
}

// writeError translates err into a status and a public message. Causes are
// logged, never sent.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg, fields := apperr.Public(err)
	if status >= http.StatusInternalServerError {
		h.logger(r).Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger(r).Debugw("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "reason", msg)
	}
	h.writeJSON(w, r, status, errorResponse{Message: msg, Fields: fields})
}

// decodeJSON reads exactly one JSON object into dst. Unknown fields and
// trailing data are rejected.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
			tooBig    *http.MaxBytesError
		)
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("Request body must not be empty")
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return apperr.Validation("Request body contains malformed JSON")
		case errors.As(err, &typeErr):
			return apperr.Validation(fmt.Sprintf("Request body has the wrong type for %q", typeErr.Field), typeErr.Field)
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
			return apperr.Validation(fmt.Sprintf("Request body contains unknown field %q", field), field)
		case errors.As(err, &tooBig):
			return apperr.Validation("Request body is too large")
		default:
			return apperr.Validation("Request body is invalid")
		}
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Validation("Request body must contain a single JSON object")
	}
	return nil
}
