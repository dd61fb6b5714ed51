package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"slashy.ai/slashy/internal/store"
)

const (
	defaultChatModelName = "gemini-2.0-flash"

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

// LLMService is the Gemini-backed Completer.
type LLMService struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func NewLLMService(ctx context.Context, apiKey, model string, timeout time.Duration) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if model == "" {
		model = defaultChatModelName
	}
	return &LLMService{client: client, model: model, timeout: timeout}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing GenAI client")
		} else {
			log.Debug().Msg("GenAI client closed")
		}
	}
}

func (s *LLMService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *LLMService) Generate(ctx context.Context, req CompletionRequest) (Completion, error) {
	if len(req.History) == 0 {
		return Completion{}, errors.New("prompt history is empty for chat completion")
	}
	last := req.History[len(req.History)-1]
	if last.Role != store.RoleUser {
		return Completion{}, errors.New("last message in history is not from 'user', cannot proceed with chat completion")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	model := s.client.GenerativeModel(s.model)
	model.SetTemperature(0.7)
	model.SetMaxOutputTokens(2048)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: functionDeclarations(req.Tools)}}
	}

	chatSession := model.StartChat()
	chatSession.History = historyContents(req.History[:len(req.History)-1])

	resp, err := chatSession.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return Completion{}, upstreamFromGenAI(err)
	}
	return completionFromResponse(resp), nil
}

func (s *LLMService) GenerateTitle(ctx context.Context, basis string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	model := s.client.GenerativeModel(s.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}
	model.SetTemperature(0.3)
	model.SetMaxOutputTokens(20)

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: \"%s\".", basis)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", upstreamFromGenAI(err)
	}

	title := strings.Trim(completionFromResponse(resp).Text, "\"'\n\r\t .")
	if title == "" {
		return "", errors.New("LLM generated an empty title string")
	}
	return title, nil
}

// historyContents maps stored roles onto Gemini's user/model roles.
func historyContents(messages []store.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == store.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

func functionDeclarations(tools []Tool) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		description := tool.Description
		if description == "" {
			description = fmt.Sprintf("Execute %s action", tool.Name)
		}
		params := schemaFromJSON(tool.Parameters)
		if params.Type != genai.TypeObject {
			params = &genai.Schema{Type: genai.TypeObject}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: description,
			Parameters:  params,
		})
	}
	return decls
}

// schemaFromJSON converts a JSON-schema fragment into Gemini's schema type.
// Keywords Gemini does not understand are dropped.
func schemaFromJSON(raw map[string]any) *genai.Schema {
	if raw == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}

	schema := &genai.Schema{}
	typeName, nullable := jsonType(raw["type"])
	schema.Nullable = nullable
	if d, ok := raw["description"].(string); ok {
		schema.Description = d
	}
	if f, ok := raw["format"].(string); ok {
		schema.Format = f
	}
	if typeName == "" {
		if _, ok := raw["properties"]; ok {
			typeName = "object"
		} else if _, ok := raw["items"]; ok {
			typeName = "array"
		}
	}

	switch typeName {
	case "object":
		schema.Type = genai.TypeObject
		if props, ok := raw["properties"].(map[string]any); ok && len(props) > 0 {
			schema.Properties = make(map[string]*genai.Schema, len(props))
			for name, prop := range props {
				if m, ok := prop.(map[string]any); ok {
					schema.Properties[name] = schemaFromJSON(m)
				}
			}
		}
		schema.Required = stringList(raw["required"])
	case "array":
		schema.Type = genai.TypeArray
		if items, ok := raw["items"].(map[string]any); ok {
			schema.Items = schemaFromJSON(items)
		} else {
			schema.Items = &genai.Schema{Type: genai.TypeString}
		}
	case "integer":
		schema.Type = genai.TypeInteger
	case "number":
		schema.Type = genai.TypeNumber
	case "boolean":
		schema.Type = genai.TypeBoolean
	default:
		schema.Type = genai.TypeString
		schema.Enum = stringList(raw["enum"])
	}
	return schema
}

// jsonType accepts both "type": "x" and "type": ["x", "null"].
func jsonType(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.ToLower(t), false
	case []any:
		name, nullable := "", false
		for _, item := range t {
			s, _ := item.(string)
			if strings.EqualFold(s, "null") {
				nullable = true
			} else if name == "" {
				name = strings.ToLower(s)
			}
		}
		return name, nullable
	}
	return "", false
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func completionFromResponse(resp *genai.GenerateContentResponse) Completion {
	var completion Completion
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		log.Warn().Msg("Gemini response was empty or had no valid candidates")
		return completion
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			completion.FunctionCalls = append(completion.FunctionCalls, FunctionCall{Name: p.Name, Args: p.Args})
		default:
			log.Debug().Str("part_type", fmt.Sprintf("%T", part)).Msg("Ignoring Gemini response part")
		}
	}
	completion.Text = text.String()
	return completion
}

func upstreamFromGenAI(err error) error {
	upstream := &UpstreamError{Provider: "gemini", Err: err}

	var gerr *googleapi.Error
	var apiErr *apierror.APIError
	switch {
	case errors.As(err, &gerr):
		upstream.StatusCode = gerr.Code
		upstream.Body = gerr.Message
	case errors.As(err, &apiErr):
		if code := apiErr.HTTPCode(); code > 0 {
			upstream.StatusCode = code
		} else if st := apiErr.GRPCStatus(); st != nil {
			upstream.StatusCode = httpStatusFromCode(st.Code())
			upstream.Body = st.Message()
		}
	}
	return upstream
}

func httpStatusFromCode(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
