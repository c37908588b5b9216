package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/intergram/backend/internal/handler/admin"
	"github.com/zhouzirui/intergram/backend/internal/handler/session"
	"github.com/zhouzirui/intergram/backend/internal/handler/webhook"
	"github.com/zhouzirui/intergram/backend/internal/service/relay"
	sessionService "github.com/zhouzirui/intergram/backend/internal/service/session"
	"github.com/zhouzirui/intergram/backend/pkg/utils"
)

// Deps collects what the HTTP layer needs from the core services.
type Deps struct {
	Registry    *sessionService.Registry
	Relay       *relay.Router
	ChatTarget  admin.ChatTarget
	Deduper     webhook.Deduper
	Session     session.Options
	WebhookPath string
	WebhookKey  string
	APIKey      string
	Logger      *slog.Logger
}

// Router is the bridge's HTTP surface.
type Router struct {
	http.Handler
	sessions *session.WebSocketHandler
}

// Drain waits until every widget session has been torn down. Sessions end
// when their request context is cancelled, so call it after the server's
// base context is done.
func (rt *Router) Drain(ctx context.Context) error {
	return rt.sessions.Drain(ctx)
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) *Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Widget sessions
	wsHandler := session.NewWebSocketHandler(deps.Registry, deps.Relay, deps.Session, deps.Logger)
	wsHandler.RegisterRoutes(r)

	// Telegram webhook
	webhookHandler := webhook.New(deps.Relay, deps.Deduper, deps.WebhookKey, deps.Logger)
	webhookHandler.RegisterRoutes(r, deps.WebhookPath)

	// Chat target administration
	adminHandler := admin.New(deps.ChatTarget, deps.APIKey, deps.Logger)
	adminHandler.RegisterRoutes(r)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": deps.Registry.Len(),
		})
	})

	return &Router{Handler: r, sessions: wsHandler}
}
