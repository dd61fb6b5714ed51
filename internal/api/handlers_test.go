package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"slashy.ai/slashy/internal/auth"
	"slashy.ai/slashy/internal/config"
	"slashy.ai/slashy/internal/core"
	"slashy.ai/slashy/internal/integrations"
	"slashy.ai/slashy/internal/store"
)

type stubProvider struct {
	mu        sync.Mutex
	actions   []core.Tool
	initiated []core.InitiateRequest

	// statuses holds the provider status per known request id.
	statuses map[string]string
}

func (p *stubProvider) ListActions(context.Context, string) ([]core.Tool, error) {
	return p.actions, nil
}

func (p *stubProvider) Initiate(_ context.Context, req core.InitiateRequest) (core.Initiation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiated = append(p.initiated, req)
	return core.Initiation{
		RedirectURL:         "https://auth.example/" + req.ToolName,
		ConnectionRequestID: "req-" + req.ToolName,
	}, nil
}

func (p *stubProvider) Status(_ context.Context, requestID string) (core.ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, known := p.statuses[requestID]
	if !known {
		return core.ProviderStatus{}, &core.UpstreamError{Provider: "composio", StatusCode: http.StatusNotFound, Body: "not found"}
	}
	if status == core.ProviderStatusActive {
		return core.ProviderStatus{Status: status, ConnectionID: "ca-" + requestID}, nil
	}
	return core.ProviderStatus{Status: status}, nil
}

func (p *stubProvider) set(requestID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[requestID] = status
}

func (p *stubProvider) activate(requestID string) { p.set(requestID, core.ProviderStatusActive) }

type stubCompleter struct{}

func (stubCompleter) Generate(_ context.Context, req core.CompletionRequest) (core.Completion, error) {
	return core.Completion{Text: "echo: " + req.History[len(req.History)-1].Content}, nil
}

type testServer struct {
	*httptest.Server
	store    *store.SQLiteStore
	provider *stubProvider
}

func newTestServer(t *testing.T, mode config.AuthMode) *testServer {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider := &stubProvider{
		actions: []core.Tool{
			{Name: "GITHUB_CREATE_ISSUE", AppName: "github"},
			{Name: "SLACK_SEND_MESSAGE", AppName: "slack"},
		},
		statuses: map[string]string{"req-github": "INITIATED", "req-slack": "INITIATED"},
	}
	connections := core.NewConnectionService(db, provider)
	handler := NewAPIHandler(Deps{
		Chats:       core.NewChatService(db, connections, provider, stubCompleter{}),
		Connections: connections,
		Accounts:    db,
		Tokens:      auth.NewTokens("test-secret"),
		Catalog:     integrations.Default().WithAuthConfigs(map[string]string{"github": "ac_github"}),
		AuthMode:    mode,
	})

	srv := httptest.NewServer(NewRouter(handler, nil))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: db, provider: provider}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (s *testServer) signup(t *testing.T, userID string) (string, string) {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/signup", "", Credentials{UserID: userID, Password: "hunter22"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var tr TokenResponse
	require.NoError(t, json.Unmarshal(body, &tr))
	return tr.Token, tr.UserID
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestOptionsAlwaysOK(t *testing.T) {
	s := newTestServer(t, config.AuthModeBearer)

	for _, path := range []string{"/chat", "/auth", "/guest", "/nowhere"} {
		resp, body := s.do(t, http.MethodOptions, path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Empty(t, body)
		require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		require.Equal(t, allowHeaders, resp.Header.Get("Access-Control-Allow-Headers"))
	}

	resp, _ := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestGuestHandler(t *testing.T) {
	s := newTestServer(t, config.AuthModeBearer)

	resp, _ := s.do(t, http.MethodPost, "/guest", "", GuestRequest{Action: "get", SessionID: "guest_abc"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/guest", "", GuestRequest{Action: "get", SessionID: "guest_1700000000000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "null", string(body))

	resp, _ = s.do(t, http.MethodPost, "/guest", "", GuestRequest{Action: "create", SessionID: "guest_1700000000000"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/guest", "", GuestRequest{Action: "create", Name: "Ada", SessionID: "guest_1700000000000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[store.Guest](t, body)
	require.Equal(t, "Ada", created.Name)

	resp, body = s.do(t, http.MethodPost, "/guest", "", GuestRequest{Action: "create", Name: "Someone else", SessionID: "guest_1700000000000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decode[store.Guest](t, body)
	require.Equal(t, created.ID, again.ID)
	require.Equal(t, "Ada", again.Name)

	resp, body = s.do(t, http.MethodPost, "/guest", "", GuestRequest{Action: "update_activity", SessionID: "guest_1700000000000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"success":true}`, string(body))

	resp, _ = s.do(t, http.MethodPost, "/guest", "", GuestRequest{Action: "delete", SessionID: "guest_1700000000000"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatHandler_GuestScenario(t *testing.T) {
	s := newTestServer(t, config.AuthModeBearer)

	_, body := s.do(t, http.MethodPost, "/guest", "", GuestRequest{Action: "create", Name: "Ada", SessionID: "guest_42"})
	guest := decode[store.Guest](t, body)

	resp, body := s.do(t, http.MethodPost, "/chat", "", map[string]any{
		"message":      "Schedule a meeting",
		"guestId":      guest.ID,
		"integrations": []string{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	raw := decode[map[string]json.RawMessage](t, body)
	require.JSONEq(t, `[]`, string(raw["tools"]))
	out := decode[ChatResponse](t, body)
	require.NotEmpty(t, out.ChatID)
	require.Equal(t, "echo: Schedule a meeting", out.Response)

	resp, body = s.do(t, http.MethodGet, "/chats/"+out.ChatID+"?guestId="+guest.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	details := decode[ChatDetailsResponse](t, body)
	require.Equal(t, "Schedule a meeting", details.Title)
	require.Len(t, details.Messages, 2)

	resp, _ = s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "hi", ChatID: "missing", GuestID: guest.ID})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "  ", GuestID: guest.ID})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatHandler_OwnerRules(t *testing.T) {
	bearer := newTestServer(t, config.AuthModeBearer)

	resp, body := bearer.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "hi", UserID: "someone"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, string(body), "Unauthorized")

	resp, _ = bearer.do(t, http.MethodPost, "/chat", "forged.token.value", ChatRequest{Message: "hi", GuestID: "g"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, userID := bearer.signup(t, "ada")
	resp, body = bearer.do(t, http.MethodPost, "/chat", token, ChatRequest{Message: "hi", UserID: "someone-else"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[ChatResponse](t, body)
	chats, err := bearer.store.ListChats(context.Background(), store.Owner{UserID: userID})
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.Equal(t, out.ChatID, chats[0].ID)

	trusted := newTestServer(t, config.AuthModeTrustedOwner)
	resp, _ = trusted.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "hi", UserID: "someone"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthHandler_BearerFlow(t *testing.T) {
	s := newTestServer(t, config.AuthModeBearer)

	resp, _ := s.do(t, http.MethodPost, "/auth", "", AuthRequest{Action: "initiate", IntegrationID: "github"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, userID := s.signup(t, "ada")

	resp, _ = s.do(t, http.MethodPost, "/auth", token, AuthRequest{Action: "revoke"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/auth", token, AuthRequest{Action: "initiate", IntegrationID: "github", OwnerID: "ignored"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	initiation := decode[core.Initiation](t, body)
	require.Equal(t, core.Initiation{RedirectURL: "https://auth.example/github", ConnectionRequestID: "req-github"}, initiation)
	require.Equal(t, core.InitiateRequest{ToolName: "github", AuthConfigID: "ac_github", UserID: userID}, s.provider.initiated[0])

	resp, body = s.do(t, http.MethodPost, "/auth", token, AuthRequest{Action: "check_status", ConnectionRequestID: "req-github"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"pending"}`, string(body))

	s.provider.activate("req-github")
	resp, body = s.do(t, http.MethodPost, "/auth", token, AuthRequest{Action: "check_status", ConnectionRequestID: "req-github"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"completed","connectionId":"ca-req-github"}`, string(body))

	resp, body = s.do(t, http.MethodPost, "/auth", token, AuthRequest{Action: "check_status", ConnectionRequestID: "req-unknown"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, string(body), "composio")

	// toolName is accepted in place of integrationId; slack has no configured
	// auth config so the integration id stands in.
	resp, _ = s.do(t, http.MethodPost, "/auth", token, AuthRequest{Action: "initiate", ToolName: "slack"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "slack", s.provider.initiated[1].AuthConfigID)

	// Only the completed integration contributes tools.
	resp, body = s.do(t, http.MethodPost, "/chat", token, ChatRequest{Message: "open an issue", Integrations: []string{"github", "slack"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"GITHUB_CREATE_ISSUE"}, decode[ChatResponse](t, body).Tools)

	resp, body = s.do(t, http.MethodGet, "/integrations", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decode[[]IntegrationView](t, body)
	statuses := map[string]string{}
	for _, v := range views {
		statuses[v.ID] = v.Status
	}
	require.Equal(t, "completed", statuses["github"])
	require.Equal(t, "pending", statuses["slack"])
	require.Equal(t, "none", statuses["gmail"])
}

func TestAuthHandler_TrustedOwner(t *testing.T) {
	s := newTestServer(t, config.AuthModeTrustedOwner)

	resp, _ := s.do(t, http.MethodPost, "/auth", "", AuthRequest{Action: "initiate", IntegrationID: "github"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/auth", "", AuthRequest{Action: "initiate", OwnerID: "guest-7", IntegrationID: "github"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Equal(t, "guest-7", s.provider.initiated[0].UserID)

	resp, _ = s.do(t, http.MethodPost, "/auth", "", AuthRequest{Action: "check_status", OwnerID: "guest-7"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthCallbackHandler(t *testing.T) {
	s := newTestServer(t, config.AuthModeTrustedOwner)
	_, _ = s.do(t, http.MethodPost, "/auth", "", AuthRequest{Action: "initiate", OwnerID: "u1", IntegrationID: "github"})
	_, _ = s.do(t, http.MethodPost, "/auth", "", AuthRequest{Action: "initiate", OwnerID: "u1", IntegrationID: "slack"})

	resp, body := s.do(t, http.MethodGet, "/auth/callback?connection_request_id=req-github", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "pending", decode[StatusResponse](t, body).Status)

	s.provider.activate("req-github")
	resp, body = s.do(t, http.MethodGet, "/auth/callback?connection_request_id=req-github", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, StatusResponse{Status: "completed", ConnectionID: "ca-req-github", Message: "Connection completed"}, decode[StatusResponse](t, body))

	// An error the provider does not confirm leaves the request pending.
	resp, body = s.do(t, http.MethodGet, "/auth/callback?connection_request_id=req-slack&error=access_denied", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "pending", decode[StatusResponse](t, body).Status)
	conn, err := s.store.GetConnection(context.Background(), "u1", "slack")
	require.NoError(t, err)
	require.Equal(t, store.ConnectionPending, conn.Status)

	s.provider.set("req-slack", "FAILED")
	resp, body = s.do(t, http.MethodGet, "/auth/callback?connection_request_id=req-slack&error=access_denied", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, StatusResponse{Status: "error", Message: "access_denied"}, decode[StatusResponse](t, body))

	conn, err = s.store.GetConnection(context.Background(), "u1", "slack")
	require.NoError(t, err)
	require.Equal(t, store.ConnectionError, conn.Status)
}

func TestAccounts(t *testing.T) {
	s := newTestServer(t, config.AuthModeBearer)
	token, userID := s.signup(t, "ada")

	resp, _ := s.do(t, http.MethodPost, "/signup", "", Credentials{UserID: "ada", Password: "again"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/login", "", Credentials{UserID: "ada", Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/login", "", Credentials{UserID: "ada", Password: "hunter22"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, userID, decode[TokenResponse](t, body).UserID)

	resp, body = s.do(t, http.MethodGet, "/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, MeResponse{UserID: userID, ExternalUserID: "ada"}, decode[MeResponse](t, body))

	resp, _ = s.do(t, http.MethodGet, "/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := auth.NewTokens("other-secret")
	forged, err := other.Generate("ada")
	require.NoError(t, err)
	resp, _ = s.do(t, http.MethodGet, "/me", forged, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatsEndpoints(t *testing.T) {
	s := newTestServer(t, config.AuthModeBearer)
	token, _ := s.signup(t, "ada")

	_, body := s.do(t, http.MethodPost, "/chat", token, ChatRequest{Message: "first"})
	first := decode[ChatResponse](t, body)
	_, _ = s.do(t, http.MethodPost, "/chat", token, ChatRequest{Message: "second"})

	resp, body := s.do(t, http.MethodGet, "/chats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]store.Chat](t, body), 2)

	resp, _ = s.do(t, http.MethodDelete, "/chats/"+first.ChatID, token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodDelete, "/chats/"+first.ChatID, token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/chats/"+first.ChatID, token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/chats", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusBadGateway, statusFor(&core.UpstreamError{Provider: "gemini"}))
	require.Equal(t, http.StatusServiceUnavailable, statusFor(&core.UpstreamError{Provider: "composio", StatusCode: 503}))
	require.Equal(t, http.StatusGatewayTimeout, statusFor(core.ErrTimeout))
	require.Equal(t, http.StatusConflict, statusFor(core.ErrAbandoned))
	require.Equal(t, http.StatusInternalServerError, statusFor(&core.PersistenceError{Op: "x", Err: context.Canceled}))
}
