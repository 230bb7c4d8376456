package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/newsletter-engine/internal/pkg/httputil"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// SetupRoutes builds the router. Newsletter routes and the contact list are
// admin routes; subscribe and unsubscribe are public.
func SetupRoutes(h *Handlers, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if opts.Health != nil {
		r.Get("/health", opts.Health.HandleHealth)
		r.Get("/health/ready", opts.Health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			httputil.OK(w, map[string]string{"status": "healthy"})
		})
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/contacts", h.Subscribe)
		r.Delete("/contacts/unsubscribe/{key}", h.Unsubscribe)

		r.Group(func(r chi.Router) {
			r.Use(adminOnly(opts.AdminToken))

			r.Get("/contacts", h.ListContacts)
			r.Route("/newsletter", func(r chi.Router) {
				r.Get("/", h.ListNewsletters)
				r.Post("/send", h.SendNewsletter)
				r.Get("/progress", h.GetProgress)
				r.Post("/progress", h.PostProgress)
			})
		})
	})

	return r
}

// adminOnly requires "Authorization: Bearer <token>". An empty token leaves
// the routes open.
func adminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				httputil.Unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.Info("http request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
