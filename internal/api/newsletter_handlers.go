package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/httputil"
	"github.com/ignite/newsletter-engine/internal/service/newsletter"
)

// Handlers holds the HTTP handlers.
type Handlers struct {
	newsletters NewsletterService
	contacts    ContactService
}

type sendRequest struct {
	CampaignTitle   string `json:"campaignTitle" validate:"required,max=255"`
	Subject         string `json:"subject" validate:"max=998"`
	PreviewHeadline string `json:"previewHeadline" validate:"max=255"`
	HTML            string `json:"html"`
	Test            bool   `json:"test"`
}

type progressRequest struct {
	CampaignTitle string `json:"campaignTitle" validate:"required"`
}

// SendNewsletter creates or resumes a campaign and runs it to the end of
// the current send.
//
//	POST /api/newsletter/send
func (h *Handlers) SendNewsletter(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if errs := validateStruct(req); errs != nil {
		httputil.Invalid(w, "invalid send request", errs)
		return
	}

	snap, err := h.newsletters.SendNewsletter(r.Context(), newsletter.SendRequest{
		Title:       req.CampaignTitle,
		Subject:     req.Subject,
		PreviewText: req.PreviewHeadline,
		HTML:        req.HTML,
		Test:        req.Test,
	})
	if err != nil {
		writeSendError(w, r, err)
		return
	}
	httputil.OK(w, snap)
}

func writeSendError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.Invalid(w, "invalid newsletter", []FieldError{{Field: verr.Field, Reason: verr.Reason}})
	case errors.Is(err, newsletter.ErrNoTestRecipient):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, newsletter.ErrCampaignBusy):
		httputil.Conflict(w, "a send for this campaign is already running")
	default:
		httputil.InternalError(w, r, err)
	}
}

// GetProgress returns the campaign snapshot, or null for an unknown title.
//
//	GET /api/newsletter/progress?title=
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	title := strings.TrimSpace(r.URL.Query().Get("title"))
	if title == "" {
		httputil.Invalid(w, "invalid progress request", []FieldError{{Field: "title", Reason: "is required"}})
		return
	}
	h.writeProgress(w, r, title)
}

// PostProgress is GetProgress with the title in a JSON body.
//
//	POST /api/newsletter/progress
func (h *Handlers) PostProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if errs := validateStruct(req); errs != nil {
		httputil.Invalid(w, "invalid progress request", errs)
		return
	}
	h.writeProgress(w, r, req.CampaignTitle)
}

func (h *Handlers) writeProgress(w http.ResponseWriter, r *http.Request, title string) {
	snap, err := h.newsletters.GetNewsletterProgress(r.Context(), title)
	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	httputil.OK(w, snap)
}

// ListNewsletters returns every campaign title, newest first.
//
//	GET /api/newsletter
func (h *Handlers) ListNewsletters(w http.ResponseWriter, r *http.Request) {
	titles, err := h.newsletters.ListTitles(r.Context())
	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	if titles == nil {
		titles = []string{}
	}
	httputil.OK(w, map[string]any{"titles": titles})
}
