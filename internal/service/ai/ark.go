package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-chat/backend/internal/config"
)

// ArkSource streams completions from an Ark chat model through an eino chain.
type ArkSource struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArkSource creates the Ark model from cfg and compiles the chain.
func NewArkSource(ctx context.Context, cfg config.AIConfig) (*ArkSource, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewChainSource(ctx, chatModel)
}

// NewChainSource 将任意 eino ChatModel 包装为 Source。
func NewChainSource(ctx context.Context, chatModel model.ChatModel) (*ArkSource, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ArkSource{chain: runnable}, nil
}

func (s *ArkSource) Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	system, history := splitSystem(messages)

	stream, err := s.chain.Stream(ctx, map[string]any{
		"system":  system,
		"history": history,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}
