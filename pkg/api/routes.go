package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.RequestsPerMinute,
				))
			}

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleCreateSession)
				r.Get("/public", s.handlePublicSessions)
				r.Get("/find/{fragment}", s.handleFindToken)

				r.Route("/{token}", func(r chi.Router) {
					r.Get("/", s.handleReadSession)
					r.Delete("/", s.handleDeleteSession)
					r.Put("/configuration", s.handleUpdateConfiguration)
					r.Put("/labels", s.handleUpdateLabels)

					r.Post("/start", s.handleStartSession)
					r.Post("/pause", s.handlePauseSession)
					r.Post("/stop", s.handleStopSession)
					r.Post("/resume", s.handleResumeSession)

					r.Get("/next", s.handleNextTest)

					if s.bus != nil {
						r.Get("/events", s.handleSessionEvents)
					}
				})
			})

			r.Route("/results", func(r chi.Router) {
				r.Post("/import", s.handleImport)
				r.Post("/compare", s.handleCompare)

				r.Route("/{token}", func(r chi.Router) {
					r.Post("/", s.handleSubmitResult)
					r.Get("/", s.handleReadResults)
					r.Get("/compact", s.handleReadFlattened)
					r.Get("/passed", s.handlePassedTests)
					r.Get("/json/{api}", s.handleJSONPath)

					r.Get("/export/apis", s.handleExportAPIs)
					r.Get("/export/full", s.handleExportFull)
					r.Get("/export/overview", s.handleExportOverview)
				})
			})

			r.Get("/reports/*", s.handleReportFile)
			r.Head("/reports/*", s.handleReportFile)

			if s.indexStore != nil {
				r.Get("/index", s.handleIndex)
				r.Get("/index/{token}", s.handleIndexEntry)
			}
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
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
