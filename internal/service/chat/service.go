package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/store"
)

var (
	ErrCharacterRequired    = errors.New("character id is required")
	ErrCharacterNotFound    = errors.New("character not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNameRequired         = errors.New("name is required")
	ErrPersonaRequired      = errors.New("persona is required")
	ErrContentRequired      = errors.New("content is required")
)

// Service encapsulates character and conversation management over the repository.
type Service struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewService wires the service to a repository.
func NewService(repo store.Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger.Named("chat")}
}

// ListCharacters 返回全部角色，新建的在前。
func (s *Service) ListCharacters(ctx context.Context) ([]character.Character, error) {
	return s.repo.ListCharacters(ctx)
}

// GetCharacter retrieves a character by identifier.
func (s *Service) GetCharacter(ctx context.Context, id string) (character.Character, error) {
	c, err := s.repo.GetCharacter(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return character.Character{}, ErrCharacterNotFound
	}
	return c, err
}

// CreateCharacter validates and stores a new character.
func (s *Service) CreateCharacter(ctx context.Context, c character.Character) (character.Character, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Persona = strings.TrimSpace(c.Persona)
	if c.Name == "" {
		return character.Character{}, ErrNameRequired
	}
	if c.Persona == "" {
		return character.Character{}, ErrPersonaRequired
	}
	return s.repo.CreateCharacter(ctx, c)
}

// ListConversations 返回会话列表，并附带所属角色。
func (s *Service) ListConversations(ctx context.Context) ([]chat.ConversationDetail, error) {
	convs, err := s.repo.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	characters := make(map[string]*character.Character)
	out := make([]chat.ConversationDetail, 0, len(convs))
	for _, conv := range convs {
		c, ok := characters[conv.CharacterID]
		if !ok {
			loaded, err := s.repo.GetCharacter(ctx, conv.CharacterID)
			switch {
			case err == nil:
				c = &loaded
			case errors.Is(err, store.ErrNotFound):
				s.logger.Warn("conversation references missing character",
					zap.String("conversation_id", conv.ID), zap.String("character_id", conv.CharacterID))
			default:
				return nil, err
			}
			characters[conv.CharacterID] = c
		}
		out = append(out, chat.ConversationDetail{Conversation: conv, Character: c})
	}
	return out, nil
}

// GetConversation retrieves a conversation together with its character.
func (s *Service) GetConversation(ctx context.Context, id string) (chat.ConversationDetail, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.ConversationDetail{}, ErrConversationNotFound
		}
		return chat.ConversationDetail{}, err
	}

	detail := chat.ConversationDetail{Conversation: conv}
	c, err := s.repo.GetCharacter(ctx, conv.CharacterID)
	switch {
	case err == nil:
		detail.Character = &c
	case !errors.Is(err, store.ErrNotFound):
		return chat.ConversationDetail{}, err
	}
	return detail, nil
}

// CreateConversation starts a conversation with a character. The character's
// greeting, when present, becomes the first assistant message.
func (s *Service) CreateConversation(ctx context.Context, characterID string) (chat.ConversationDetail, error) {
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		return chat.ConversationDetail{}, ErrCharacterRequired
	}

	c, err := s.GetCharacter(ctx, characterID)
	if err != nil {
		return chat.ConversationDetail{}, err
	}

	conv, err := s.repo.CreateConversation(ctx, characterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.ConversationDetail{}, ErrCharacterNotFound
		}
		return chat.ConversationDetail{}, err
	}

	if greeting := strings.TrimSpace(c.Greeting); greeting != "" {
		if _, err := s.repo.AppendMessage(ctx, conv.ID, chat.RoleAssistant, greeting); err != nil {
			return chat.ConversationDetail{}, fmt.Errorf("insert greeting: %w", err)
		}
	}

	s.logger.Info("conversation created", zap.String("conversation_id", conv.ID), zap.String("character_id", c.ID))
	return chat.ConversationDetail{Conversation: conv, Character: &c}, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	err := s.repo.DeleteConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// ListMessages returns the ordered transcript of a conversation.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	msgs, err := s.repo.LoadHistory(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	return msgs, err
}

// AppendUserMessage persists the user's turn before a completion starts.
func (s *Service) AppendUserMessage(ctx context.Context, conversationID, content string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, ErrContentRequired
	}
	msg, err := s.repo.AppendMessage(ctx, conversationID, chat.RoleUser, content)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Message{}, ErrConversationNotFound
	}
	return msg, err
}

// Seed 在仓库为空时写入默认角色，并与第一个角色开启一段会话。
func (s *Service) Seed(ctx context.Context) (bool, error) {
	existing, err := s.repo.ListCharacters(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}

	var first character.Character
	for i, c := range character.Seed() {
		created, err := s.repo.CreateCharacter(ctx, c)
		if err != nil {
			return false, fmt.Errorf("seed character %q: %w", c.Name, err)
		}
		if i == 0 {
			first = created
		}
	}

	if _, err := s.CreateConversation(ctx, first.ID); err != nil {
		return false, fmt.Errorf("seed conversation: %w", err)
	}

	s.logger.Info("seeded default characters")
	return true, nil
}
