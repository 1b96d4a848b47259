package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/andresmejia3/sentinel-live/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", s.deps.Metrics.Handler())

	recognition := handlers.NewRecognitionHandler(s.deps.Recognizer, s.deps.Slot, s.deps.Logs, s.deps.Metrics, s.log)
	if s.deps.Recognizer != nil {
		s.router.Post("/upload", recognition.Upload)
		s.router.Post("/calculate_average_embedding", recognition.AverageEmbedding)
	}
	if s.deps.Slot != nil {
		s.router.Get("/metadata", recognition.Metadata)
	}

	if s.deps.Streamer != nil {
		s.router.Get("/video_feed", handlers.NewStreamHandler(s.deps.Streamer).VideoFeed)
	}

	if s.deps.Settings != nil {
		settings := handlers.NewSettingsHandler(s.deps.Settings, s.deps.EditableSettings...)
		s.router.Route("/api/v1/settings", func(r chi.Router) {
			r.Get("/", settings.Get)
			r.Put("/", settings.Update)
		})
	}
}
