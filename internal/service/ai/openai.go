package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zhouzirui/z-chat/backend/internal/config"
)

// OpenAISource streams completions from an OpenAI-compatible endpoint.
type OpenAISource struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAISource builds a client from cfg. Extra options are appended after the
// configured key and base URL.
func NewOpenAISource(cfg config.AIConfig, opts ...option.RequestOption) *OpenAISource {
	base := []option.RequestOption{option.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIURL != "" {
		base = append(base, option.WithBaseURL(cfg.OpenAIURL))
	}
	client := openai.NewClient(append(base, opts...)...)

	return &OpenAISource{
		client:    &client,
		model:     cfg.OpenAIModel,
		maxTokens: cfg.MaxTokens,
	}
}

func (s *OpenAISource) Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	params := openai.ChatCompletionNewParams{
		Messages: toOpenAIMessages(messages),
		Model:    s.model,
	}
	if s.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(s.maxTokens))
	}

	upstream := s.client.Chat.Completions.NewStreaming(ctx, params)
	if err := upstream.Err(); err != nil {
		_ = upstream.Close()
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go func() {
		defer writer.Close()
		defer upstream.Close()

		for upstream.Next() {
			chunk := upstream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if closed := writer.Send(schema.AssistantMessage(text, nil), nil); closed {
				return
			}
		}

		if err := upstream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			writer.Send(nil, fmt.Errorf("openai: stream: %w", err))
		}
	}()

	return reader, nil
}

func toOpenAIMessages(messages []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			out = append(out, openai.SystemMessage(msg.Content))
		case schema.User:
			out = append(out, openai.UserMessage(msg.Content))
		case schema.Assistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		}
	}
	return out
}
