package core

import (
	"context"
	"strings"

	"slashy.ai/slashy/internal/store"
)

// Tool is a single action exposed by a connected integration.
type Tool struct {
	Name        string         `json:"name"`
	AppName     string         `json:"app_name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type InitiateRequest struct {
	ToolName     string
	AuthConfigID string
	UserID       string
}

type Initiation struct {
	RedirectURL         string `json:"redirectUrl"`
	ConnectionRequestID string `json:"connectionRequestId"`
}

// ProviderStatus is the tool provider's view of a connection request.
type ProviderStatus struct {
	Status       string
	ConnectionID string
}

const ProviderStatusActive = "ACTIVE"

func (p ProviderStatus) Active() bool {
	return strings.EqualFold(p.Status, ProviderStatusActive)
}

// Failed reports a request the provider will never complete.
func (p ProviderStatus) Failed() bool {
	switch strings.ToUpper(p.Status) {
	case "FAILED", "EXPIRED", "INACTIVE":
		return true
	}
	return false
}

// ToolProvider is the external integration platform.
type ToolProvider interface {
	ListActions(ctx context.Context, ownerID string) ([]Tool, error)
	Initiate(ctx context.Context, req InitiateRequest) (Initiation, error)
	Status(ctx context.Context, connectionRequestID string) (ProviderStatus, error)
}

type CompletionRequest struct {
	System  string
	History []store.Message
	Tools   []Tool
}

type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type Completion struct {
	Text          string
	FunctionCalls []FunctionCall
}

// Completer is the hosted large-language-model API.
type Completer interface {
	Generate(ctx context.Context, req CompletionRequest) (Completion, error)
}

// TitleGenerator produces a short title for a conversation.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, basis string) (string, error)
}

// ChatStore is the part of the persistence gateway the chat orchestrator uses.
type ChatStore interface {
	CreateChat(ctx context.Context, owner store.Owner, title string) (*store.Chat, error)
	GetChatByID(ctx context.Context, chatID string, owner store.Owner) (*store.Chat, error)
	ListChats(ctx context.Context, owner store.Owner) ([]store.Chat, error)
	UpdateChatTitle(ctx context.Context, chatID, title string) error
	TouchChat(ctx context.Context, chatID string) error
	DeleteChat(ctx context.Context, chatID string, owner store.Owner) error
	CreateMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, chatID string) ([]store.Message, error)
	RecentMessages(ctx context.Context, chatID string, n int) ([]store.Message, error)
}

// ConnectionStore is the part of the persistence gateway that tracks
// authorization grants.
type ConnectionStore interface {
	UpsertPendingConnection(ctx context.Context, c *store.Connection) error
	GetConnection(ctx context.Context, ownerID, integrationID string) (*store.Connection, error)
	GetConnectionByRequestID(ctx context.Context, requestID, ownerID string) (*store.Connection, error)
	MarkConnectionCompleted(ctx context.Context, requestID, ownerID, connectionID string) (bool, error)
	MarkConnectionError(ctx context.Context, requestID, message string) (bool, error)
	ListConnections(ctx context.Context, ownerID string) ([]store.Connection, error)
	ListCompletedIntegrations(ctx context.Context, ownerID string) ([]string, error)
}

var (
	_ ChatStore       = (*store.SQLiteStore)(nil)
	_ ConnectionStore = (*store.SQLiteStore)(nil)
)
