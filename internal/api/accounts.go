package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"slashy.ai/slashy/internal/auth"
	"slashy.ai/slashy/internal/core"
)

type Credentials struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (c Credentials) validate() error {
	if strings.TrimSpace(c.UserID) == "" || c.Password == "" {
		return &core.ValidationError{Message: "user_id and password are required"}
	}
	return nil
}

type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	existing, err := h.accounts.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil {
		writeError(w, r, &core.PersistenceError{Op: "load user", Err: err})
		return
	}
	if existing != nil {
		writeError(w, r, &core.ValidationError{Field: "user_id", Message: "is already taken"})
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.accounts.CreateUser(r.Context(), req.UserID, hashedPassword)
	if err != nil {
		writeError(w, r, &core.PersistenceError{Op: "create user", Err: err})
		return
	}

	token, err := h.tokens.Generate(user.ExternalUserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("user_id", user.ID).Msg("Registered new user")
	writeJSON(w, http.StatusCreated, TokenResponse{Token: token, UserID: user.ID})
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.accounts.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil {
		writeError(w, r, &core.PersistenceError{Op: "load user", Err: err})
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		writeError(w, r, core.ErrUnauthorized)
		return
	}

	token, err := h.tokens.Generate(user.ExternalUserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, UserID: user.ID})
}

type MeResponse struct {
	UserID         string `json:"userId"`
	ExternalUserID string `json:"externalUserId"`
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	writeJSON(w, http.StatusOK, MeResponse{UserID: user.ID, ExternalUserID: user.ExternalUserID})
}
