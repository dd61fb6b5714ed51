package api

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"slashy.ai/slashy/internal/auth"
	"slashy.ai/slashy/internal/config"
	"slashy.ai/slashy/internal/core"
	"slashy.ai/slashy/internal/integrations"
	"slashy.ai/slashy/internal/store"
)

// AccountStore is the part of the persistence gateway behind accounts and
// guest sessions.
type AccountStore interface {
	CreateUser(ctx context.Context, externalUserID, passwordHash string) (*store.User, error)
	GetUserByExternalID(ctx context.Context, externalUserID string) (*store.User, error)
	CreateGuest(ctx context.Context, name, sessionID string) (*store.Guest, error)
	GetGuestBySessionID(ctx context.Context, sessionID string) (*store.Guest, error)
	UpdateGuestActivity(ctx context.Context, sessionID string) error
}

var _ AccountStore = (*store.SQLiteStore)(nil)

type Deps struct {
	Chats       *core.ChatService
	Connections *core.ConnectionService
	Accounts    AccountStore
	Tokens      *auth.Tokens
	Catalog     *integrations.Catalog
	AuthMode    config.AuthMode
}

type APIHandler struct {
	chats       *core.ChatService
	connections *core.ConnectionService
	accounts    AccountStore
	tokens      *auth.Tokens
	catalog     *integrations.Catalog
	mode        config.AuthMode
}

func NewAPIHandler(d Deps) *APIHandler {
	h := &APIHandler{
		chats:       d.Chats,
		connections: d.Connections,
		accounts:    d.Accounts,
		tokens:      d.Tokens,
		catalog:     d.Catalog,
		mode:        d.AuthMode,
	}
	if h.catalog == nil {
		h.catalog = integrations.Default()
	}
	if h.mode == "" {
		h.mode = config.AuthModeBearer
	}
	return h
}

// chatOwner picks the owner of a chat request: the bearer user first, then
// a guest id, then a body user id when owners are trusted.
func (h *APIHandler) chatOwner(r *http.Request, guestID, userID string) (store.Owner, error) {
	if user := userFrom(r.Context()); user != nil {
		return store.Owner{UserID: user.ID}, nil
	}
	if guestID != "" {
		return store.Owner{GuestID: guestID}, nil
	}
	if userID != "" {
		if h.mode != config.AuthModeTrustedOwner {
			return store.Owner{}, core.ErrUnauthorized
		}
		return store.Owner{UserID: userID}, nil
	}
	return store.Owner{}, &core.ValidationError{Field: "owner", Message: "guestId or userId is required"}
}

type ChatRequest struct {
	Message      string   `json:"message"`
	ChatID       string   `json:"chatId,omitempty"`
	GuestID      string   `json:"guestId,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	Integrations []string `json:"integrations"`
}

type ChatResponse struct {
	Response string   `json:"response"`
	ChatID   string   `json:"chatId"`
	Tools    []string `json:"tools"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner, err := h.chatOwner(r, req.GuestID, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.chats.SubmitTurn(r.Context(), core.TurnRequest{
		Message:      req.Message,
		ChatID:       req.ChatID,
		Owner:        owner,
		Integrations: req.Integrations,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Response: result.Reply, ChatID: result.ChatID, Tools: result.Tools})
}

type AuthRequest struct {
	Action              string `json:"action"`
	OwnerID             string `json:"ownerId,omitempty"`
	IntegrationID       string `json:"integrationId,omitempty"`
	ToolName            string `json:"toolName,omitempty"`
	AuthConfigID        string `json:"authConfigId,omitempty"`
	ConnectionRequestID string `json:"connectionRequestId,omitempty"`
}

type StatusResponse struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId,omitempty"`
	Message      string `json:"message,omitempty"`
}

// connectionOwner is the bearer user in bearer mode and the body's ownerId
// in trusted-owner mode.
func (h *APIHandler) connectionOwner(r *http.Request, ownerID string) (string, error) {
	if h.mode == config.AuthModeTrustedOwner {
		return ownerID, nil
	}
	user := userFrom(r.Context())
	if user == nil {
		return "", core.ErrUnauthorized
	}
	return user.ID, nil
}

func (h *APIHandler) AuthHandler(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner, err := h.connectionOwner(r, req.OwnerID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch req.Action {
	case "initiate":
		integrationID := req.IntegrationID
		if integrationID == "" {
			integrationID = req.ToolName
		}
		authConfigID := req.AuthConfigID
		if authConfigID == "" {
			authConfigID = h.catalog.AuthConfigID(integrationID)
		}
		if authConfigID == "" {
			authConfigID = integrationID
		}
		initiation, err := h.connections.Initiate(r.Context(), owner, integrationID, authConfigID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, initiation)

	case "check_status":
		result, err := h.connections.PollStatus(r.Context(), req.ConnectionRequestID, owner)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if result.State == core.StateCompleted {
			writeJSON(w, http.StatusOK, StatusResponse{Status: "completed", ConnectionID: result.ConnectionID})
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{Status: "pending"})

	default:
		writeError(w, r, &core.ValidationError{Field: "action", Message: "must be initiate or check_status"})
	}
}

// AuthCallbackHandler is where the provider sends the browser back after
// authorization.
func (h *APIHandler) AuthCallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requestID := q.Get("connection_request_id")
	if requestID == "" {
		requestID = q.Get("connectedAccountId")
	}

	result, err := h.connections.CompleteCallback(r.Context(), core.CallbackParams{
		Error:               q.Get("error"),
		ConnectionRequestID: requestID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := StatusResponse{Status: strings.ToLower(string(result.State)), ConnectionID: result.ConnectionID, Message: result.Message}
	if resp.Message == "" {
		switch result.State {
		case core.StateCompleted:
			resp.Message = "Connection completed"
		default:
			resp.Message = "Connection is not active yet"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

var sessionIDPattern = regexp.MustCompile(`^guest_\d+$`)

type GuestRequest struct {
	Action    string `json:"action"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"session_id"`
}

func (h *APIHandler) GuestHandler(w http.ResponseWriter, r *http.Request) {
	var req GuestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !sessionIDPattern.MatchString(req.SessionID) {
		writeError(w, r, &core.ValidationError{Field: "session_id", Message: "invalid session ID format"})
		return
	}
	ctx := r.Context()

	switch req.Action {
	case "create":
		name := strings.TrimSpace(req.Name)
		if name == "" {
			writeError(w, r, &core.ValidationError{Field: "name", Message: "is required for guest creation"})
			return
		}
		existing, err := h.accounts.GetGuestBySessionID(ctx, req.SessionID)
		if err != nil {
			writeError(w, r, &core.PersistenceError{Op: "load guest", Err: err})
			return
		}
		if existing != nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		guest, err := h.accounts.CreateGuest(ctx, name, req.SessionID)
		if err != nil {
			writeError(w, r, &core.PersistenceError{Op: "create guest", Err: err})
			return
		}
		hlog.FromRequest(r).Info().Str("guest_id", guest.ID).Msg("Created new guest")
		writeJSON(w, http.StatusOK, guest)

	case "get":
		guest, err := h.accounts.GetGuestBySessionID(ctx, req.SessionID)
		if err != nil {
			writeError(w, r, &core.PersistenceError{Op: "load guest", Err: err})
			return
		}
		writeJSON(w, http.StatusOK, guest)

	case "update_activity":
		if err := h.accounts.UpdateGuestActivity(ctx, req.SessionID); err != nil {
			writeError(w, r, &core.PersistenceError{Op: "update guest activity", Err: err})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		writeError(w, r, &core.ValidationError{Field: "action", Message: "must be create, get or update_activity"})
	}
}

type IntegrationView struct {
	integrations.Integration
	Status     string `json:"status"`
	Configured bool   `json:"configured"`
}

// IntegrationsHandler lists the catalog with the caller's connection state
// for each entry.
func (h *APIHandler) IntegrationsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if user := userFrom(r.Context()); user != nil {
		ownerID = user.ID
	} else if h.mode != config.AuthModeTrustedOwner {
		ownerID = ""
	}

	states := map[string]core.ConnectionState{}
	if ownerID != "" {
		var err error
		if states, err = h.connections.States(r.Context(), ownerID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	views := make([]IntegrationView, 0)
	for _, in := range h.catalog.All() {
		state, ok := states[in.ID]
		if !ok {
			state = core.StateNone
		}
		views = append(views, IntegrationView{
			Integration: in,
			Status:      strings.ToLower(string(state)),
			Configured:  in.AuthConfigID != "",
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *APIHandler) readOwner(r *http.Request) (store.Owner, error) {
	q := r.URL.Query()
	return h.chatOwner(r, q.Get("guestId"), q.Get("userId"))
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	owner, err := h.readOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	chats, err := h.chats.ListChats(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type ChatDetailsResponse struct {
	*store.Chat
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	owner, err := h.readOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	chat, messages, err := h.chats.GetChat(r.Context(), owner, chi.URLParam(r, "chatID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatDetailsResponse{Chat: chat, Messages: messages})
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	owner, err := h.readOwner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.chats.DeleteChat(r.Context(), owner, chi.URLParam(r, "chatID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
