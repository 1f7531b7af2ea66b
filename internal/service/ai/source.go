package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-chat/backend/internal/config"
)

// ErrDisabled 表示没有配置可用的模型提供方。
var ErrDisabled = errors.New("completion provider is not configured")

// Source streams a completion for a prepared prompt. Each call opens exactly one
// upstream stream; the caller owns the returned reader and must Close it.
type Source interface {
	Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

// NewSource 根据配置选择模型提供方。
func NewSource(ctx context.Context, cfg config.AIConfig) (Source, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAISource(cfg), nil
	case config.ProviderArk:
		return NewArkSource(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}
