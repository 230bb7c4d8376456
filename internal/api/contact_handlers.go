package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/httputil"
	"github.com/ignite/newsletter-engine/internal/service/contact"
)

type subscribeRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// Subscribe adds a contact. The response carries the unsubscribe key so the
// site can build the unsubscribe link.
//
//	POST /api/contacts
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if errs := validateStruct(req); errs != nil {
		httputil.Invalid(w, "invalid subscription", errs)
		return
	}

	c, err := h.contacts.Subscribe(r.Context(), req.Email)
	switch {
	case errors.Is(err, contact.ErrInvalidEmail):
		httputil.Invalid(w, "invalid subscription", []FieldError{{Field: "email", Reason: "must be a valid email"}})
	case errors.Is(err, contact.ErrAlreadySubscribed):
		httputil.Conflict(w, "already subscribed")
	case err != nil:
		httputil.InternalError(w, r, err)
	default:
		httputil.Created(w, c)
	}
}

// Unsubscribe removes the contact owning key.
//
//	DELETE /api/contacts/unsubscribe/{key}
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	err := h.contacts.Unsubscribe(r.Context(), chi.URLParam(r, "key"))
	switch {
	case errors.Is(err, contact.ErrNotFound):
		httputil.NotFound(w, "unknown unsubscribe key")
	case err != nil:
		httputil.InternalError(w, r, err)
	default:
		httputil.NoContent(w)
	}
}

// ListContacts returns every subscriber.
//
//	GET /api/contacts
func (h *Handlers) ListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.contacts.List(r.Context())
	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	if contacts == nil {
		contacts = []domain.Contact{}
	}
	httputil.OK(w, map[string]any{"contacts": contacts, "total": len(contacts)})
}
