package ai_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/ai"
)

func TestBuildPreamble(t *testing.T) {
	got := ai.BuildPreamble(character.Character{Name: "Gimli", Persona: "A proud Dwarf."})
	assert.Equal(t, "You are playing the persona of Gimli. A proud Dwarf. Stay in character.", got)
}

func TestBuildPromptMapsRoles(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleAssistant, Content: "Greetings!"},
		{Role: chat.RoleUser, Content: "Hello"},
		{Role: chat.RoleSystem, Content: "note"},
	}

	prompt := ai.BuildPrompt(character.Character{Name: "Albert Einstein", Persona: "Physicist."}, history)
	require.Len(t, prompt, 4)
	assert.Equal(t, schema.System, prompt[0].Role)
	assert.Contains(t, prompt[0].Content, "Albert Einstein")
	assert.Equal(t, schema.Assistant, prompt[1].Role)
	assert.Equal(t, "Greetings!", prompt[1].Content)
	assert.Equal(t, schema.User, prompt[2].Role)
	assert.Equal(t, schema.System, prompt[3].Role)
}

func TestNewSourceDisabled(t *testing.T) {
	_, err := ai.NewSource(context.Background(), config.AIConfig{Provider: config.ProviderOpenAI})
	assert.ErrorIs(t, err, ai.ErrDisabled)
}

type recordingModel struct {
	input []*schema.Message
}

func (m *recordingModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	return schema.AssistantMessage("Hi there!", nil), nil
}

func (m *recordingModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.input = input
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("Hi", nil),
		schema.AssistantMessage(" there!", nil),
	}), nil
}

func (m *recordingModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestChainSourceStreamsThroughTemplate(t *testing.T) {
	ctx := context.Background()
	fake := &recordingModel{}
	src, err := ai.NewChainSource(ctx, fake)
	require.NoError(t, err)

	prompt := ai.BuildPrompt(
		character.Character{Name: "Albert Einstein", Persona: "Uses {trains} in analogies."},
		[]chat.Message{{Role: chat.RoleUser, Content: "Hello"}},
	)
	stream, err := src.Stream(ctx, prompt)
	require.NoError(t, err)

	assert.Equal(t, "Hi there!", drain(t, stream))
	require.Len(t, fake.input, 2)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Equal(t, prompt[0].Content, fake.input[0].Content)
	assert.Equal(t, "Hello", fake.input[1].Content)
}

func TestOpenAISourceRelaysDeltas(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hi", "", " there!"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", text)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	src := ai.NewOpenAISource(config.AIConfig{
		OpenAIKey:   "test",
		OpenAIURL:   server.URL + "/v1/",
		OpenAIModel: "gpt-test",
		MaxTokens:   4096,
	}, option.WithMaxRetries(0))

	stream, err := src.Stream(context.Background(), []*schema.Message{
		schema.SystemMessage("You are playing the persona of Gimli."),
		schema.UserMessage("Hello"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there!", drain(t, stream))
	assert.Contains(t, gotBody, `"stream":true`)
	assert.Contains(t, gotBody, `"max_completion_tokens":4096`)
	assert.Contains(t, gotBody, `"model":"gpt-test"`)
}

func TestOpenAISourceUpstreamRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	src := ai.NewOpenAISource(config.AIConfig{
		OpenAIKey:   "bad",
		OpenAIURL:   server.URL + "/v1/",
		OpenAIModel: "gpt-test",
	}, option.WithMaxRetries(0))

	stream, err := src.Stream(context.Background(), []*schema.Message{schema.UserMessage("Hello")})
	if err == nil {
		// some transports surface the status on the first read instead
		_, err = stream.Recv()
		stream.Close()
	}
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}

func drain(t *testing.T, stream *schema.StreamReader[*schema.Message]) string {
	t.Helper()
	defer stream.Close()

	var sb strings.Builder
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String()
		}
		require.NoError(t, err)
		sb.WriteString(msg.Content)
	}
}
