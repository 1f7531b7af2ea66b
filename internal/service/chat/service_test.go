package chat_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	chatmodel "github.com/zhouzirui/z-chat/backend/internal/model/chat"
	chat "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/store"
)

func newService(t *testing.T) *chat.Service {
	t.Helper()
	return chat.NewService(store.NewMemoryStore(), nil)
}

func TestServiceCreateConversationInsertsGreeting(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	c, err := svc.CreateCharacter(ctx, character.Character{Name: "Gimli", Persona: "A proud Dwarf.", Greeting: "Well met!"})
	if err != nil {
		t.Fatalf("CreateCharacter err: %v", err)
	}

	detail, err := svc.CreateConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}
	if detail.Character == nil || detail.Character.ID != c.ID {
		t.Fatalf("conversation should embed its character: %+v", detail)
	}

	msgs, err := svc.ListMessages(ctx, detail.ID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected greeting only, got %d messages", len(msgs))
	}
	if msgs[0].Role != chatmodel.RoleAssistant || msgs[0].Content != "Well met!" {
		t.Fatalf("unexpected greeting message: %+v", msgs[0])
	}
}

func TestServiceCreateConversationWithoutGreeting(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	c, err := svc.CreateCharacter(ctx, character.Character{Name: "Quiet", Persona: "Says little."})
	if err != nil {
		t.Fatalf("CreateCharacter err: %v", err)
	}
	detail, err := svc.CreateConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}
	msgs, err := svc.ListMessages(ctx, detail.ID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty transcript, got %d", len(msgs))
	}
}

func TestServiceValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateCharacter(ctx, character.Character{Persona: "p"}); !errors.Is(err, chat.ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
	if _, err := svc.CreateCharacter(ctx, character.Character{Name: "n", Persona: "  "}); !errors.Is(err, chat.ErrPersonaRequired) {
		t.Fatalf("expected ErrPersonaRequired, got %v", err)
	}
	if _, err := svc.CreateConversation(ctx, ""); !errors.Is(err, chat.ErrCharacterRequired) {
		t.Fatalf("expected ErrCharacterRequired, got %v", err)
	}
	if _, err := svc.CreateConversation(ctx, "missing"); !errors.Is(err, chat.ErrCharacterNotFound) {
		t.Fatalf("expected ErrCharacterNotFound, got %v", err)
	}
	if _, err := svc.GetConversation(ctx, "missing"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, "missing"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if _, err := svc.AppendUserMessage(ctx, "missing", "hi"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if _, err := svc.AppendUserMessage(ctx, "missing", " "); !errors.Is(err, chat.ErrContentRequired) {
		t.Fatalf("expected ErrContentRequired, got %v", err)
	}
	if err := svc.DeleteConversation(ctx, "missing"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestServiceSeedOnce(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	seeded, err := svc.Seed(ctx)
	if err != nil || !seeded {
		t.Fatalf("first Seed: seeded=%v err=%v", seeded, err)
	}

	seeded, err = svc.Seed(ctx)
	if err != nil || seeded {
		t.Fatalf("second Seed should be a no-op: seeded=%v err=%v", seeded, err)
	}

	characters, err := svc.ListCharacters(ctx)
	if err != nil {
		t.Fatalf("ListCharacters err: %v", err)
	}
	if len(characters) != len(character.Seed()) {
		t.Fatalf("unexpected character count %d", len(characters))
	}

	convs, err := svc.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations err: %v", err)
	}
	if len(convs) != 1 || convs[0].Character == nil || convs[0].Character.Name != "Albert Einstein" {
		t.Fatalf("expected one conversation with Einstein, got %+v", convs)
	}
}

func TestServiceDeleteConversation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	c, _ := svc.CreateCharacter(ctx, character.Character{Name: "n", Persona: "p", Greeting: "hi"})
	detail, err := svc.CreateConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}

	if err := svc.DeleteConversation(ctx, detail.ID); err != nil {
		t.Fatalf("DeleteConversation err: %v", err)
	}
	if _, err := svc.ListMessages(ctx, detail.ID); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("messages should be gone with the conversation, got %v", err)
	}
}

func TestServiceSeedLogsOnce(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	svc := chat.NewService(store.NewMemoryStore(), zap.New(core))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Seed(ctx); err != nil {
			t.Fatalf("Seed err: %v", err)
		}
	}

	if n := logs.FilterMessage("seeded default characters").Len(); n != 1 {
		t.Fatalf("expected one seed log line, got %d", n)
	}
}
