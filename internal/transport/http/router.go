package http

import (
	"net/http"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/metrics"
	httpmw "github.com/cwrk-planet/canvas-sync/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterDeps struct {
	Handler        *Handler
	HubHandler     http.HandlerFunc
	Metrics        *metrics.Collector
	AllowedOrigins []string
}

func NewRouter(d RouterDeps) http.Handler {
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(httpmw.Logging(d.Metrics))
	r.Use(middlewareChi.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{nextCursorHdr},
		MaxAge:         300,
	}))

	// hub endpoint; long lived, so no timeout
	r.Get("/hub", d.HubHandler)

	r.Route("/api/rooms", func(rm chi.Router) {
		rm.Use(middlewareChi.Timeout(30 * time.Second))

		rm.Get("/", d.Handler.ListRooms)
		rm.Post("/cleanup", d.Handler.CleanupRooms)
		rm.Route("/{id}", func(rr chi.Router) {
			rr.Get("/", d.Handler.GetRoom)
			rr.Delete("/", d.Handler.DeleteRoom)
			rr.Get("/users", d.Handler.RoomUsers)
		})
	})

	r.Get("/healthz", d.Handler.Health)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	return r
}
