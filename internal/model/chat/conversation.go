package chat

import (
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
)

// Conversation binds a transcript to exactly one character.
type Conversation struct {
	ID          string    `json:"id"`
	CharacterID string    `json:"characterId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ConversationDetail is a conversation with its character resolved, as listed to clients.
type ConversationDetail struct {
	Conversation
	Character *character.Character `json:"character,omitempty"`
}
