package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// MemoryStore keeps everything in process memory. Suitable for a single
// instance and for tests.
type MemoryStore struct {
	mu              sync.RWMutex
	characters      map[string]character.Character
	characterOrder  []string
	conversations   map[string]chat.Conversation
	conversationIDs []string
	messages        map[string][]chat.Message
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		characters:    make(map[string]character.Character),
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
	}
}

// ListCharacters returns characters newest first.
func (s *MemoryStore) ListCharacters(_ context.Context) ([]character.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]character.Character, 0, len(s.characterOrder))
	for i := len(s.characterOrder) - 1; i >= 0; i-- {
		out = append(out, s.characters[s.characterOrder[i]])
	}
	return out, nil
}

func (s *MemoryStore) GetCharacter(_ context.Context, id string) (character.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.characters[id]
	if !ok {
		return character.Character{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) CreateCharacter(_ context.Context, c character.Character) (character.Character, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = now()

	s.mu.Lock()
	s.characters[c.ID] = c
	s.characterOrder = append(s.characterOrder, c.ID)
	s.mu.Unlock()

	return c, nil
}

// ListConversations returns conversations newest first.
func (s *MemoryStore) ListConversations(_ context.Context) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Conversation, 0, len(s.conversationIDs))
	for i := len(s.conversationIDs) - 1; i >= 0; i-- {
		out = append(out, s.conversations[s.conversationIDs[i]])
	}
	return out, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, characterID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.characters[characterID]; !ok {
		return chat.Conversation{}, ErrNotFound
	}

	conv := chat.Conversation{
		ID:          uuid.NewString(),
		CharacterID: characterID,
		CreatedAt:   now(),
	}
	s.conversations[conv.ID] = conv
	s.conversationIDs = append(s.conversationIDs, conv.ID)
	s.messages[conv.ID] = make([]chat.Message, 0, 16)
	return conv, nil
}

// DeleteConversation removes the conversation together with its messages.
func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	for i, convID := range s.conversationIDs {
		if convID == id {
			s.conversationIDs = append(s.conversationIDs[:i], s.conversationIDs[i+1:]...)
			break
		}
	}
	return nil
}

// LoadHistory returns a copy of the conversation transcript.
func (s *MemoryStore) LoadHistory(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// AppendMessage appends one message to the conversation transcript.
func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.messages[conversationID]
	if !ok {
		return chat.Message{}, ErrNotFound
	}

	message := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now(),
	}
	// slice order is insertion order; keep timestamps from going backwards.
	if n := len(history); n > 0 && message.CreatedAt.Before(history[n-1].CreatedAt) {
		message.CreatedAt = history[n-1].CreatedAt
	}

	s.messages[conversationID] = append(history, message)
	return message, nil
}

// LoadCharacter resolves the character a conversation is bound to.
func (s *MemoryStore) LoadCharacter(_ context.Context, conversationID string) (character.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return character.Character{}, ErrNotFound
	}
	c, ok := s.characters[conv.CharacterID]
	if !ok {
		return character.Character{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Close() error { return nil }
