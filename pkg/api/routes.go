package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const (
	projectPath = "/{group}/{project}"
	buildPath   = projectPath + "/{version}"
	envPath     = buildPath + "/{environment}"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Submit,
				))
			}

			// Project writes; access is checked per project.
			r.Post("/createbuild"+buildPath, s.handleCreateBuild)
			r.Post("/submit"+envPath, s.handleSubmit)
			r.Post("/submitjob"+envPath, s.handleSubmitJob)
			r.Post("/watchjob"+envPath, s.handleWatchJob)

			// Test job maintenance is restricted to staff.
			r.Group(func(r chi.Router) {
				r.Use(s.requireStaff)

				r.Post("/resubmit/{id}", s.handleResubmit)
				r.Post("/forceresubmit/{id}", s.handleForceResubmit)
				r.Post("/testjobs/{id}/cancel", s.handleCancel)
			})
		})

		// Stored files of test runs and builds.
		r.Get("/testruns/{id}/{file}", s.handleTestRunFile)
		r.Get("/testruns/{id}/attachments/{filename}", s.handleAttachment)
		r.Get("/builds/{id}/email", s.handleBuildEmail)
		r.Get("/builds/{id}/email/", s.handleBuildEmail)
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Auth-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
