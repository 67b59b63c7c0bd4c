package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/openqc/fleet/pkg/config"
	"github.com/openqc/fleet/pkg/metrics"
	"github.com/openqc/fleet/pkg/storage"
)

// Server wires the record/task/service core to an HTTP router. It holds no
// state of its own beyond the store and config; every handler is a thin
// decode/validate/call/encode shim around a pkg/records, pkg/tasks,
// pkg/molecules, or pkg/managers function.
type Server struct {
	store    storage.Store
	cfg      *config.Config
	validate *validator.Validate
	router   chi.Router
	http     *http.Server
}

// NewServer builds a Server and registers its routes.
func NewServer(store storage.Store, cfg *config.Config) *Server {
	s := &Server{
		store:    store,
		cfg:      cfg,
		validate: validator.New(),
	}
	s.router = s.routes()
	metrics.RegisterComponent("api", true, "")
	return s
}

// Handler returns the server's http.Handler, for tests and for embedding
// behind another listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/records/{type}", s.createRecord)
		r.Get("/records/{id}", s.getRecord)
		r.Post("/records/query", s.queryRecords)
		r.Patch("/records", s.patchRecords)

		r.Post("/tasks/claim", s.claimTasks)
		r.Post("/tasks/return", s.returnTasks)

		r.Post("/managers/activate", s.activateManager)
		r.Post("/managers/heartbeat", s.heartbeatManager)

		r.Post("/molecules", s.createMolecules)
		r.Get("/molecules/{id}", s.getMolecule)
	})

	return r
}

// ListenAndServe blocks serving addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
