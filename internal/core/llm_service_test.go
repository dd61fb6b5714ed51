package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"slashy.ai/slashy/internal/store"
)

func TestSchemaFromJSON_Nested(t *testing.T) {
	raw := map[string]any{
		"type":     "object",
		"required": []any{"repo", "title"},
		"properties": map[string]any{
			"repo":  map[string]any{"type": "string", "description": "owner/name"},
			"title": map[string]any{"type": "string"},
			"state": map[string]any{"type": "string", "enum": []any{"open", "closed"}},
			"count": map[string]any{"type": []any{"integer", "null"}},
			"labels": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"assignee": map[string]any{
				"properties": map[string]any{
					"login": map[string]any{"type": "string"},
					"admin": map[string]any{"type": "boolean"},
				},
			},
			"weights": map[string]any{"type": "array"},
			"ratio":   map[string]any{"type": "number", "format": "double"},
		},
	}

	schema := schemaFromJSON(raw)
	require.Equal(t, genai.TypeObject, schema.Type)
	require.Equal(t, []string{"repo", "title"}, schema.Required)
	require.Equal(t, "owner/name", schema.Properties["repo"].Description)
	require.Equal(t, []string{"open", "closed"}, schema.Properties["state"].Enum)

	count := schema.Properties["count"]
	require.Equal(t, genai.TypeInteger, count.Type)
	require.True(t, count.Nullable)

	labels := schema.Properties["labels"]
	require.Equal(t, genai.TypeArray, labels.Type)
	require.Equal(t, genai.TypeString, labels.Items.Type)

	assignee := schema.Properties["assignee"]
	require.Equal(t, genai.TypeObject, assignee.Type)
	require.Equal(t, genai.TypeBoolean, assignee.Properties["admin"].Type)

	require.Equal(t, genai.TypeString, schema.Properties["weights"].Items.Type)
	require.Equal(t, genai.TypeNumber, schema.Properties["ratio"].Type)
	require.Equal(t, "double", schema.Properties["ratio"].Format)
}

func TestFunctionDeclarations(t *testing.T) {
	decls := functionDeclarations([]Tool{
		{Name: "GITHUB_CREATE_ISSUE", Description: "Create an issue", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"title": map[string]any{"type": "string"}},
		}},
		{Name: "SLACK_LIST_CHANNELS"},
		{Name: "ODD", Parameters: map[string]any{"type": "string"}},
	})
	require.Len(t, decls, 3)
	require.Equal(t, "Create an issue", decls[0].Description)
	require.Contains(t, decls[0].Parameters.Properties, "title")
	require.Equal(t, "Execute SLACK_LIST_CHANNELS action", decls[1].Description)
	require.Equal(t, genai.TypeObject, decls[1].Parameters.Type)
	require.Equal(t, genai.TypeObject, decls[2].Parameters.Type)
}

func TestHistoryContents(t *testing.T) {
	contents := historyContents([]store.Message{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "hello"},
	})
	require.Len(t, contents, 2)
	require.Equal(t, "user", contents[0].Role)
	require.Equal(t, "model", contents[1].Role)
	require.Equal(t, genai.Text("hello"), contents[1].Parts[0])
}

func TestCompletionFromResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{
			genai.Text("Let me "),
			genai.FunctionCall{Name: "GMAIL_SEND_EMAIL", Args: map[string]any{"to": "ada@example.com"}},
			genai.Text("send that."),
		}},
	}}}

	c := completionFromResponse(resp)
	require.Equal(t, "Let me send that.", c.Text)
	require.Equal(t, []FunctionCall{{Name: "GMAIL_SEND_EMAIL", Args: map[string]any{"to": "ada@example.com"}}}, c.FunctionCalls)

	require.Equal(t, Completion{}, completionFromResponse(nil))
	require.Equal(t, Completion{}, completionFromResponse(&genai.GenerateContentResponse{}))
}

func TestUpstreamFromGenAI(t *testing.T) {
	var upstream *UpstreamError

	err := upstreamFromGenAI(fmt.Errorf("send: %w", &googleapi.Error{Code: http.StatusBadRequest, Message: "API key not valid"}))
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, "gemini", upstream.Provider)
	require.Equal(t, http.StatusBadRequest, upstream.StatusCode)
	require.Equal(t, "API key not valid", upstream.Body)

	apiErr, ok := apierror.FromError(status.Error(codes.ResourceExhausted, "quota exceeded"))
	require.True(t, ok)
	err = upstreamFromGenAI(apiErr)
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
	require.Equal(t, "quota exceeded", upstream.Body)

	plain := errors.New("connection reset")
	err = upstreamFromGenAI(plain)
	require.ErrorAs(t, err, &upstream)
	require.Zero(t, upstream.StatusCode)
	require.ErrorIs(t, err, plain)
}
