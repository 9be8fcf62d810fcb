package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/ingest"
	"github.com/fuomag9/pulsebox/internal/jobs"
	"github.com/fuomag9/pulsebox/internal/logging"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/oauth"
	"github.com/fuomag9/pulsebox/internal/providers"
	"github.com/fuomag9/pulsebox/internal/store"
	"github.com/fuomag9/pulsebox/internal/websocket"
)

// Services are the components the HTTP surface dispatches to
type Services struct {
	Registry      *providers.Registry
	Tokens        store.TokenStore
	Notifications store.NotificationStore
	Exchange      *oauth.ExchangeService
	Pipeline      *ingest.Pipeline
	Refresher     *jobs.Refresher
	// Hub is optional; /ws is not mounted without it
	Hub *websocket.Hub
}

// webhookRoutes maps public webhook paths to providers
var webhookRoutes = map[string]models.ProviderType{
	"/webhooks/slack":        models.ProviderSlack,
	"/webhooks/google-drive": models.ProviderGoogleDrive,
	"/webhooks/gmail":        models.ProviderGmail,
	"/webhooks/hubspot":      models.ProviderHubSpot,
}

// NewRouter creates a new HTTP router
func NewRouter(cfg *config.Config, svc Services, logger *zap.Logger) http.Handler {
	logger = logger.Named("api")
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware(cfg))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	limiter := NewRateLimiter(cfg.RateLimitPerMinute)

	r.Route("/api", func(r chi.Router) {
		r.Post("/cron/refresh-tokens", HandleRefreshTokens(svc.Refresher, cfg.CronSecret, logger))
		r.Get("/cron/refresh-tokens", HandleRefreshTokens(svc.Refresher, cfg.CronSecret, logger))

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(limiter))
			r.Use(AuthMiddleware(cfg.JWTSecret))

			r.Get("/oauth/state", HandleGetState(cfg, logger))
			r.Post("/oauth/{group}/exchange", HandleExchange(svc.Exchange, logger))

			r.Get("/integrations", HandleListIntegrations(svc.Tokens, logger))
			r.Delete("/integrations/{id}", HandleDeleteIntegration(svc.Tokens, logger))
			r.Post("/integrations/{type}/sync", HandleSync(svc.Pipeline, logger))

			r.Get("/notifications", HandleGetNotifications(svc.Notifications, logger))
			r.Post("/notifications/read-all", HandleMarkAllRead(svc.Notifications, logger))
			r.Patch("/notifications/{id}", HandleUpdateNotification(svc.Notifications, logger))
			r.Delete("/notifications/{id}", HandleDeleteNotification(svc.Notifications, logger))
		})
	})

	for path, providerType := range webhookRoutes {
		r.Post(path, HandleWebhook(svc.Pipeline, providerType, logger))
	}

	r.Get("/metrics", HandlePrometheusMetrics(svc.Registry, svc.Tokens, logger))

	if svc.Hub != nil {
		r.Get("/ws", svc.Hub.HandleWebSocket)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
