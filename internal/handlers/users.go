package handlers

import (
	"net/http"
)

type credentialsRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

// Register creates a user account.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	identity, err := h.auth.Register(r.Context(), req.UserName, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, identity)
}

// Login verifies credentials and sets the session cookie.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.auth.Login(r.Context(), req.UserName, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// A successful login replaces whatever session the browser held.
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" && cookie.Value != session.Token {
		if err := h.auth.Logout(r.Context(), cookie.Value); err != nil {
			h.logger(r).Warnw("failed to drop previous session", "error", err)
		}
	}

	h.setSessionCookie(w, session)
	h.writeJSON(w, r, http.StatusOK, session.Identity())
}

// CheckUser returns the identity behind the session cookie.
func (h *Handlers) CheckUser(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, GetSessionFromContext(r).Identity())
}

// Logout destroys the session and clears the cookie.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	session := GetSessionFromContext(r)
	if err := h.auth.Logout(r.Context(), session.Token); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	h.writeJSON(w, r, http.StatusOK, messageResponse{Message: "Logout successful"})
}
