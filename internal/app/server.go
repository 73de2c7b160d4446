package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/littlelanterns/stewardship-manifest/internal/api/handlers"
	appMiddleware "github.com/littlelanterns/stewardship-manifest/internal/api/middlewares"
	"github.com/littlelanterns/stewardship-manifest/internal/config"
	"github.com/littlelanterns/stewardship-manifest/internal/core"
	"github.com/littlelanterns/stewardship-manifest/internal/core/insight"
	"github.com/littlelanterns/stewardship-manifest/internal/core/pipeline"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, store core.Store, objects core.ObjectStore, pipe *pipeline.Pipeline, providers core.ProviderFactory, insights *insight.Factory) *Server {
	manifestHandler := handlers.NewManifestHandler(store, objects, pipe, insights)
	insightHandler := handlers.NewInsightHandler(store, insights)
	searchHandler := handlers.NewSearchHandler(store, providers)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware)

			protected.Post("/manifest/upload", manifestHandler.Upload)
			protected.Post("/manifest/notes", manifestHandler.CreateNote)
			protected.Get("/manifest", manifestHandler.List)
			protected.Get("/manifest/{id}", manifestHandler.Get)
			protected.Post("/manifest/{id}/reprocess", manifestHandler.Reprocess)
			protected.Post("/manifest/{id}/archive", manifestHandler.Archive)
			protected.Delete("/manifest/{id}", manifestHandler.Delete)
			protected.Post("/manifest/{id}/intake", manifestHandler.Intake)
			protected.Post("/manifest/{id}/intake/confirm", manifestHandler.IntakeConfirm)
			protected.Post("/manifest/search", searchHandler.Search)

			protected.Post("/insights/extract", insightHandler.Extract)
		})
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	return &Server{httpServer: httpSrv}
}

// Start runs the HTTP server.
func (s *Server) Start() {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
