package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
	eventsHandler "github.com/zhouzirui/vision-kiosk/backend/internal/handler/events"
	relayHandler "github.com/zhouzirui/vision-kiosk/backend/internal/handler/relay"
	sessionHandler "github.com/zhouzirui/vision-kiosk/backend/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/vision-kiosk/backend/internal/middleware"
	eventService "github.com/zhouzirui/vision-kiosk/backend/internal/service/events"
	relayService "github.com/zhouzirui/vision-kiosk/backend/internal/service/relay"
	"github.com/zhouzirui/vision-kiosk/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the relay.
func NewRouter(cfg *config.Config, relaySvc *relayService.Service, broadcaster *eventService.Broadcaster) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(log.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.CORS))

	sessionHandler.New(relaySvc).RegisterRoutes(r)
	relayHandler.NewWebSocketHandler(relaySvc, cfg.Relay).RegisterRoutes(r)
	if broadcaster != nil {
		eventsHandler.New(broadcaster).RegisterRoutes(r)
	}

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, "checked")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": relaySvc.Registry().Stats(),
			"cors": map[string]any{
				"origins": cfg.CORS.Origins,
				"debug":   cfg.CORS.Debug,
			},
		})
	})

	return r
}
