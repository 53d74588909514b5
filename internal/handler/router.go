package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	catalogHandler "github.com/zhouzirui/anime-finder/backend/internal/handler/catalog"
	"github.com/zhouzirui/anime-finder/backend/internal/handler/events"
	sessionHandler "github.com/zhouzirui/anime-finder/backend/internal/handler/session"
	"github.com/zhouzirui/anime-finder/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/anime-finder/backend/internal/middleware"
	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
	sessionService "github.com/zhouzirui/anime-finder/backend/internal/service/session"
	"github.com/zhouzirui/anime-finder/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(packages catalog.Store, sessions *sessionService.Manager, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		catalogHandler.New(packages).RegisterRoutes(api)
		sessionHandler.New(sessions, logger.Named("session")).RegisterRoutes(api)
		stream.New(sessions, logger.Named("stream")).RegisterRoutes(api)
		events.New(sessions, logger.Named("websocket")).RegisterRoutes(api)
	})

	return r
}
