package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"chatify/internal/config"
	"chatify/internal/presence"
	"chatify/internal/security"
	"chatify/internal/service"
	"chatify/internal/ws"
)

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(
	cfg *config.Config,
	delivery *service.DeliveryService,
	registry *presence.Registry,
	tokens *security.TokenService,
	logger zerolog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": cfg.AppName,
			"version": "1.0.0",
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Development token endpoint: session issuance proper belongs to the
	// auth collaborator in front of this service.
	if cfg.Env == "development" {
		r.Post("/api/auth/token", handleDevToken(tokens))
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(tokens))

			r.Post("/messages/{receiverID}", handleSendMessage(delivery))
			r.Get("/messages/{userID}", handleGetMessages(delivery))
			r.Patch("/messages/{messageID}/seen", handleMarkSeen(delivery))
			r.Delete("/messages/{messageID}", handleDeleteMessage(delivery))

			r.Get("/presence", handleListOnline(registry))
		})
	})

	r.Get("/ws", ws.MakeHandler(registry, tokens, delivery, cfg.CORSOrigins, logger))

	return r
}

func handleListOnline(registry *presence.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := registry.Online()
		if ids == nil {
			ids = []int64{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"online": ids})
	}
}

func handleDevToken(tokens *security.TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID int64 `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
			return
		}
		token, err := tokens.CreateForUser(req.UserID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token creation failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
	}
}
