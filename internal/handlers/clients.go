package handlers

import (
	"errors"
	"net/http"
	"strings"

	"clientdesk/internal/apperr"
	"clientdesk/internal/clients"
	"clientdesk/internal/iban"
	"clientdesk/internal/ids"
	"clientdesk/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type balanceRequest struct {
	// Wallet is the signed amount to add.
	Wallet *decimal.Decimal `json:"wallet"`
}

type createClientResponse struct {
	Data    *models.Client `json:"data"`
	Message string         `json:"message"`
}

type ibanResponse struct {
	IBAN string `json:"iban"`
}

// clientID parses the {id} URL parameter. Malformed IDs are reported as a
// missing client.
func clientID(r *http.Request) (models.ID, error) {
	id, err := ids.Parse(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, apperr.NotFound("Client not found")
	}
	return id, nil
}

// ListClients returns the caller's clients sorted by second name.
func (h *Handlers) ListClients(w http.ResponseWriter, r *http.Request) {
	session := GetSessionFromContext(r)
	list, err := h.clients.List(r.Context(), session.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, list)
}

// GetClient returns one of the caller's clients.
func (h *Handlers) GetClient(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.clients.Get(r.Context(), id, GetSessionFromContext(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, c)
}

// CreateClient accepts the multipart client form with its photo.
func (h *Handlers) CreateClient(w http.ResponseWriter, r *http.Request) {
	form, err := h.uploads.Accept(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer form.Close()

	in := clients.NewClient{
		FirstName:  strings.TrimSpace(form.Value("firstName")),
		SecondName: strings.TrimSpace(form.Value("secondName")),
		IBAN:       strings.TrimSpace(form.Value("iban")),
		IDNumber:   strings.TrimSpace(form.Value("idNumber")),
	}
	c, err := h.clients.Create(r.Context(), in, GetSessionFromContext(r).UserID, form.File)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, createClientResponse{Data: c, Message: "Client successfully created"})
}

// AdjustBalance adds the signed wallet amount to a client's balance.
func (h *Handlers) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req balanceRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Wallet == nil {
		h.writeError(w, r, apperr.Validation("Amount is required", "wallet"))
		return
	}

	c, err := h.clients.Adjust(r.Context(), id, GetSessionFromContext(r).UserID, *req.Wallet)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, c)
}

// DeleteClient removes a client whose balance is zero.
func (h *Handlers) DeleteClient(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.clients.Delete(r.Context(), id, GetSessionFromContext(r).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, messageResponse{Message: "Client deleted successfully"})
}

// GenerateIBAN returns a random IBAN with valid check digits for the
// requested country.
func (h *Handlers) GenerateIBAN(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		country = h.opts.IBANCountry
	}
	value, err := iban.Random(country)
	switch {
	case errors.Is(err, iban.ErrCountry):
		h.writeError(w, r, apperr.Validation("Country must be a two-letter code", "country"))
		return
	case err != nil:
		h.writeError(w, r, apperr.Internal("Unable to reach server", err))
		return
	}
	h.writeJSON(w, r, http.StatusOK, ibanResponse{IBAN: value})
}
