package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/face-linker/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	analysisHandler := handlers.NewAnalysisHandler(s.pipeline, s.logger)
	facesHandler := handlers.NewFacesHandler(s.pipeline, s.logger)

	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		// Pipeline runs
		r.Post("/analyze", analysisHandler.Analyze)
		r.Post("/match", analysisHandler.Match)
		r.Post("/cluster", analysisHandler.Cluster)

		// Face search
		r.Post("/faces/search", facesHandler.Search)
		r.Get("/index/stats", facesHandler.IndexStats)

		if s.store == nil {
			return
		}

		personsHandler := handlers.NewPersonsHandler(s.pipeline, s.store.Persons(), s.logger)
		videosHandler := handlers.NewVideosHandler(s.pipeline, s.store.Videos(), s.store.Faces(), s.logger).
			WithRunLock(analysisHandler.RunLock())
		runsHandler := handlers.NewRunsHandler(s.store.Runs(), s.logger)

		// Persons
		r.Get("/persons", personsHandler.List)
		r.Get("/persons/{uid}", personsHandler.Get)
		r.Put("/persons/{uid}", personsHandler.Update)

		// Videos
		r.Get("/videos", videosHandler.List)
		r.Get("/videos/{id}/faces", videosHandler.Faces)
		r.Delete("/videos/{id}", videosHandler.Delete)

		// Runs
		r.Get("/runs", runsHandler.List)
		r.Get("/runs/{id}", runsHandler.Get)
	})
}
