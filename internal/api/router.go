package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// NewRouter mounts every endpoint. limit, when set, guards the public chat
// and guest endpoints.
func NewRouter(apiHandler *APIHandler, limit func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(accessLog())
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/signup", apiHandler.SignupHandler)
	r.Post("/login", apiHandler.LoginHandler)

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.Authenticate)
		if limit != nil {
			r.With(limit).Post("/chat", apiHandler.ChatHandler)
			r.With(limit).Post("/guest", apiHandler.GuestHandler)
		} else {
			r.Post("/chat", apiHandler.ChatHandler)
			r.Post("/guest", apiHandler.GuestHandler)
		}

		r.Post("/auth", apiHandler.AuthHandler)
		r.Get("/auth/callback", apiHandler.AuthCallbackHandler)
		r.Get("/integrations", apiHandler.IntegrationsHandler)

		r.Get("/chats", apiHandler.ListChatsHandler)
		r.Get("/chats/{chatID}", apiHandler.GetChatHandler)
		r.Delete("/chats/{chatID}", apiHandler.DeleteChatHandler)

		r.With(RequireUser).Get("/me", apiHandler.MeHandler)
	})

	return r
}
