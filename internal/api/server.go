// Package api serves the newsletter HTTP endpoints: send, progress,
// subscribe and unsubscribe.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/metrics"
	"github.com/ignite/newsletter-engine/internal/service/newsletter"
)

// NewsletterService is the campaign side of the API.
type NewsletterService interface {
	SendNewsletter(ctx context.Context, req newsletter.SendRequest) (*domain.ProgressSnapshot, error)
	GetNewsletterProgress(ctx context.Context, title string) (*domain.ProgressSnapshot, error)
	ListTitles(ctx context.Context) ([]string, error)
}

// ContactService is the subscriber side of the API.
type ContactService interface {
	Subscribe(ctx context.Context, email string) (*domain.Contact, error)
	Unsubscribe(ctx context.Context, key string) error
	List(ctx context.Context) ([]domain.Contact, error)
}

// Options configures the server. Metrics and Health are optional.
type Options struct {
	Addr           string
	AdminToken     string
	AllowedOrigins []string
	Metrics        *metrics.Campaign
	Health         *HealthChecker
}

// Server is the API HTTP server.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the router and the HTTP server for the given services.
// Sends run inside the request, so the write timeout is generous.
func NewServer(newsletters NewsletterService, contacts ContactService, opts Options) *Server {
	h := &Handlers{newsletters: newsletters, contacts: contacts}
	handler := SetupRoutes(h, opts)
	return &Server{
		handler: handler,
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           handler,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      15 * time.Minute,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// ListenAndServe blocks serving Options.Addr. After Shutdown it returns
// http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. It is safe to call before or
// concurrently with ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
