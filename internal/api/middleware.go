package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"slashy.ai/slashy/internal/core"
	"slashy.ai/slashy/internal/store"
)

const (
	allowOrigin  = "*"
	allowHeaders = "authorization, x-client-info, apikey, content-type"
	allowMethods = "GET, POST, DELETE, OPTIONS"
)

type ctxKey int

const userKey ctxKey = iota

// CORS adds the browser headers to every response and answers any OPTIONS
// request with an empty 200.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Allow-Methods", allowMethods)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one line per request through the request's logger.
func accessLog() func(http.Handler) http.Handler {
	return hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Authenticate resolves an optional bearer token to a registered user.
// Requests without one pass through; invalid tokens are rejected.
func (h *APIHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, r, core.ErrUnauthorized)
			return
		}
		externalUserID, err := h.tokens.Validate(tokenString)
		if err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("Rejected bearer token")
			writeError(w, r, core.ErrUnauthorized)
			return
		}

		user, err := h.accounts.GetUserByExternalID(r.Context(), externalUserID)
		if err != nil {
			writeError(w, r, &core.PersistenceError{Op: "resolve bearer user", Err: err})
			return
		}
		if user == nil {
			writeError(w, r, core.ErrUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser rejects requests that Authenticate did not resolve to a user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r.Context()) == nil {
			writeError(w, r, core.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(ctx context.Context) *store.User {
	user, _ := ctx.Value(userKey).(*store.User)
	return user
}
