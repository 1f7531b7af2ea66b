package ai

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// BuildPreamble 生成角色扮演的系统提示词。
func BuildPreamble(c character.Character) string {
	persona := strings.TrimSpace(c.Persona)
	return fmt.Sprintf("You are playing the persona of %s. %s Stay in character.", c.Name, persona)
}

// BuildPrompt returns the preamble followed by the full history, role for role.
func BuildPrompt(c character.Character, history []chat.Message) []*schema.Message {
	prompt := make([]*schema.Message, 0, len(history)+1)
	prompt = append(prompt, schema.SystemMessage(BuildPreamble(c)))

	for _, msg := range history {
		switch msg.Role {
		case chat.RoleUser:
			prompt = append(prompt, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			prompt = append(prompt, schema.AssistantMessage(msg.Content, nil))
		case chat.RoleSystem:
			prompt = append(prompt, schema.SystemMessage(msg.Content))
		}
	}

	return prompt
}

// splitSystem separates a leading system entry from the rest of the prompt.
func splitSystem(messages []*schema.Message) (string, []*schema.Message) {
	if len(messages) > 0 && messages[0] != nil && messages[0].Role == schema.System {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}
