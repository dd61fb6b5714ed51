package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"slashy.ai/slashy/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxTitleLength      = 100
	defaultChatTitle    = "New Chat"

	degradedReply = "I encountered an error while processing your request. Please try again."
	emptyReply    = "I'm sorry, I couldn't generate a response at this time. Please try again."
)

type ChatService struct {
	store        ChatStore
	connections  *ConnectionService
	provider     ToolProvider
	completer    Completer
	titles       TitleGenerator
	historyLimit int
}

type ChatOption func(*ChatService)

func WithHistoryLimit(n int) ChatOption {
	return func(s *ChatService) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithTitleGenerator replaces the truncated title of new chats with a
// generated one, in the background.
func WithTitleGenerator(tg TitleGenerator) ChatOption {
	return func(s *ChatService) { s.titles = tg }
}

func NewChatService(db ChatStore, connections *ConnectionService, provider ToolProvider, completer Completer, opts ...ChatOption) *ChatService {
	s := &ChatService{
		store:        db,
		connections:  connections,
		provider:     provider,
		completer:    completer,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type TurnRequest struct {
	Message      string
	ChatID       string
	Owner        store.Owner
	Integrations []string
}

type TurnResult struct {
	Reply  string
	ChatID string
	Tools  []string
}

func validateOwner(owner store.Owner) error {
	if !owner.Valid() {
		return &ValidationError{Field: "owner", Message: "exactly one of guestId or userId is required"}
	}
	return nil
}

// SubmitTurn stores the user's message, asks the completion provider for a
// reply and stores that too. Once the user message is stored the caller
// always gets a reply; later failures are logged and answered with a
// degraded message.
func (s *ChatService) SubmitTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, required("message")
	}
	if err := validateOwner(req.Owner); err != nil {
		return nil, err
	}

	chatID, isNew, err := s.resolveChat(ctx, req.ChatID, req.Owner, text)
	if err != nil {
		return nil, err
	}

	userMsg := store.Message{ChatID: chatID, Role: store.RoleUser, Content: req.Message}
	if err := s.store.CreateMessage(ctx, &userMsg); err != nil {
		if isNew {
			s.discardChat(ctx, chatID, req.Owner)
		}
		return nil, persistence("store user message", err)
	}

	reply, tools := s.respond(ctx, chatID, req.Owner, req.Integrations)

	modelMsg := store.Message{ChatID: chatID, Role: store.RoleAssistant, Content: reply}
	if err := s.store.CreateMessage(ctx, &modelMsg); err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("Failed to store assistant message")
	}
	if err := s.store.TouchChat(ctx, chatID); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to update chat timestamp")
	}

	if isNew && s.titles != nil {
		go s.generateAndSaveChatTitle(chatID, text)
	}

	return &TurnResult{Reply: reply, ChatID: chatID, Tools: tools}, nil
}

func (s *ChatService) resolveChat(ctx context.Context, chatID string, owner store.Owner, text string) (string, bool, error) {
	if chatID == "" {
		chat, err := s.store.CreateChat(ctx, owner, titleFrom(text))
		if err != nil {
			return "", false, persistence("create chat", err)
		}
		return chat.ID, true, nil
	}

	chat, err := s.store.GetChatByID(ctx, chatID, owner)
	if err != nil {
		return "", false, persistence("load chat", err)
	}
	if chat == nil {
		return "", false, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return chat.ID, false, nil
}

// discardChat removes a chat created for a turn whose first message could
// not be stored.
func (s *ChatService) discardChat(ctx context.Context, chatID string, owner store.Owner) {
	if err := s.store.DeleteChat(ctx, chatID, owner); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to remove empty chat")
	}
}

// respond never fails: every error past this point turns into the degraded
// reply.
func (s *ChatService) respond(ctx context.Context, chatID string, owner store.Owner, requested []string) (string, []string) {
	var history []store.Message
	var tools []Tool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		msgs, err := s.store.RecentMessages(gctx, chatID, s.historyLimit)
		if err != nil {
			return persistence("load history", err)
		}
		history = msgs
		return nil
	})
	g.Go(func() error {
		tools = s.eligibleTools(gctx, owner.ID(), requested)
		return nil
	})
	err := g.Wait()
	names := toolNames(tools)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("Error preparing chat context")
		return degradedReply, names
	}

	completion, err := s.completer.Generate(ctx, CompletionRequest{
		System:  systemPrompt(tools),
		History: history,
		Tools:   tools,
	})
	if err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Str("owner", owner.ID()).Msg("Error generating model response")
		return degradedReply, names
	}

	reply := composeReply(completion)
	if reply == "" {
		reply = emptyReply
	}
	return reply, names
}

// eligibleTools returns the provider actions of the requested integrations
// the owner has completed connections for. Failures yield no tools.
func (s *ChatService) eligibleTools(ctx context.Context, ownerID string, requested []string) []Tool {
	if len(requested) == 0 || s.connections == nil || s.provider == nil {
		return nil
	}
	eligible, err := s.connections.EligibleIntegrations(ctx, ownerID, requested)
	if err != nil {
		log.Warn().Err(err).Str("owner", ownerID).Msg("Failed to resolve connected integrations")
		return nil
	}
	if len(eligible) == 0 {
		return nil
	}

	actions, err := s.provider.ListActions(ctx, ownerID)
	if err != nil {
		log.Warn().Err(err).Str("owner", ownerID).Msg("Failed to fetch tools, continuing without them")
		return nil
	}
	allowed := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		allowed[id] = true
	}

	var tools []Tool
	for _, action := range actions {
		if allowed[strings.ToLower(action.AppName)] {
			tools = append(tools, action)
		}
	}
	log.Debug().Int("tools", len(tools)).Strs("integrations", eligible).Msg("Resolved tools for chat turn")
	return tools
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

func systemPrompt(tools []Tool) string {
	var b strings.Builder
	b.WriteString("You are Slashy, an AI assistant that helps users complete tasks across different applications.\n")
	b.WriteString("You can access and use various tools when available to help users with their requests.\n\n")
	if len(tools) == 0 {
		b.WriteString("No external tools currently available.\n")
	} else {
		b.WriteString("Available tools:\n")
		for _, t := range tools {
			description := t.Description
			if description == "" {
				description = "No description"
			}
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, description)
		}
	}
	b.WriteString("\nBe helpful, concise, and action-oriented. When users ask you to do something that requires external tools, " +
		"explain what you can do and guide them through the process.")
	return b.String()
}

// composeReply turns function-call intents into a description for the user.
// Tool actions are never executed here.
func composeReply(c Completion) string {
	text := strings.TrimSpace(c.Text)
	if len(c.FunctionCalls) == 0 {
		return text
	}

	var b strings.Builder
	if text != "" {
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	b.WriteString("I identified the following tool action(s) for your request:\n")
	for _, call := range c.FunctionCalls {
		fmt.Fprintf(&b, "- %s", call.Name)
		if len(call.Args) > 0 {
			if args, err := json.Marshal(call.Args); err == nil {
				fmt.Fprintf(&b, " with arguments %s", args)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("Running tool actions from chat is not available yet, so nothing has been executed.")
	return b.String()
}

func titleFrom(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultChatTitle
	}
	if utf8.RuneCountInString(text) <= maxTitleLength {
		return text
	}
	return string([]rune(text)[:maxTitleLength])
}

func (s *ChatService) generateAndSaveChatTitle(chatID, basisContent string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := s.titles.GenerateTitle(ctx, basisContent)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to generate title")
		return
	}
	title = titleFrom(strings.Trim(title, "\"'\n\r\t ."))

	if err := s.store.UpdateChatTitle(ctx, chatID, title); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Str("title", title).Msg("Failed to save generated title")
		return
	}
	log.Debug().Str("chat_id", chatID).Str("title", title).Msg("Saved generated chat title")
}

func (s *ChatService) ListChats(ctx context.Context, owner store.Owner) ([]store.Chat, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	chats, err := s.store.ListChats(ctx, owner)
	return chats, persistence("list chats", err)
}

func (s *ChatService) GetChat(ctx context.Context, owner store.Owner, chatID string) (*store.Chat, []store.Message, error) {
	if err := validateOwner(owner); err != nil {
		return nil, nil, err
	}
	chat, err := s.store.GetChatByID(ctx, chatID, owner)
	if err != nil {
		return nil, nil, persistence("load chat", err)
	}
	if chat == nil {
		return nil, nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, nil, persistence("list messages", err)
	}
	return chat, messages, nil
}

func (s *ChatService) DeleteChat(ctx context.Context, owner store.Owner, chatID string) error {
	if err := validateOwner(owner); err != nil {
		return err
	}
	err := s.store.DeleteChat(ctx, chatID, owner)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return persistence("delete chat", err)
}
