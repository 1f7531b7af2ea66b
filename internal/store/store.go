// Package store holds the durable transcript: characters, conversations and
// the append-only message log of each conversation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

var (
	// ErrNotFound is returned for unknown characters and conversations.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidRole is returned when appending a message with an unknown role.
	ErrInvalidRole = errors.New("store: invalid message role")
)

// Repository is the persistence contract shared by every driver.
// Messages of one conversation are returned ordered by CreatedAt, ties broken
// by insertion order.
type Repository interface {
	ListCharacters(ctx context.Context) ([]character.Character, error)
	GetCharacter(ctx context.Context, id string) (character.Character, error)
	CreateCharacter(ctx context.Context, c character.Character) (character.Character, error)

	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	CreateConversation(ctx context.Context, characterID string) (chat.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	LoadHistory(ctx context.Context, conversationID string) ([]chat.Message, error)
	AppendMessage(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error)
	LoadCharacter(ctx context.Context, conversationID string) (character.Character, error)

	Close() error
}

// Open returns the repository selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		logger.Info("opening sqlite store", zap.String("path", cfg.SQLitePath))
		return NewSQLite(ctx, cfg.SQLitePath)
	case config.StorePostgres:
		logger.Info("opening postgres store")
		pg, err := NewPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.StoreMemory, "":
		logger.Info("using in-memory store")
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}

var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
