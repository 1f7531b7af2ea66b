package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/handler"
	"github.com/zhouzirui/z-chat/backend/internal/lock"
	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/store"
	"github.com/zhouzirui/z-chat/backend/internal/stream"
	"github.com/zhouzirui/z-chat/backend/internal/stream/streamtest"
	"github.com/zhouzirui/z-chat/backend/pkg/client"
	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

type env struct {
	client         *client.Client
	locker         *lock.MemoryLocker
	conversationID string
}

func setup(t *testing.T, source *streamtest.Source) *env {
	t.Helper()

	repo := store.NewMemoryStore()
	chatSvc := chatService.NewService(repo, nil)
	locker := lock.NewMemoryLocker()

	var producer *stream.Producer
	if source != nil {
		producer = stream.NewProducer(source, repo, time.Minute, nil)
		t.Cleanup(source.Release)
	}

	server := httptest.NewServer(handler.NewRouter(handler.Dependencies{
		Chat:     chatSvc,
		Producer: producer,
		Locker:   locker,
	}))
	t.Cleanup(server.Close)

	c, err := chatSvc.CreateCharacter(context.Background(), character.Character{
		Name:     "Gimli",
		Persona:  "A proud Dwarf.",
		Greeting: "Well met!",
	})
	require.NoError(t, err)

	api := client.New(server.URL + "/api")
	conv, err := api.CreateConversation(context.Background(), c.ID)
	require.NoError(t, err)

	return &env{client: api, locker: locker, conversationID: conv.ID}
}

type recorder struct {
	mu         sync.Mutex
	deltas     []string
	errors     []string
	reconciled [][]chat.Message
}

func (r *recorder) handlers() client.Handlers {
	return client.Handlers{
		OnDelta: func(content string) {
			r.mu.Lock()
			r.deltas = append(r.deltas, content)
			r.mu.Unlock()
		},
		OnError: func(message string) {
			r.mu.Lock()
			r.errors = append(r.errors, message)
			r.mu.Unlock()
		},
		OnReconcile: func(messages []chat.Message) {
			r.mu.Lock()
			r.reconciled = append(r.reconciled, messages)
			r.mu.Unlock()
		},
	}
}

func contents(messages []chat.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestSendCompletesAndReconciles(t *testing.T) {
	e := setup(t, &streamtest.Source{Chunks: []string{"Aye, ", "the mines ", "of Moria! ⛏️"}})
	rec := &recorder{}

	s, err := e.client.Send(context.Background(), e.conversationID, "Tell me of home", rec.handlers())
	require.NoError(t, err)
	res := s.Wait()

	assert.Equal(t, frame.StateCompleted, res.State)
	assert.Empty(t, res.Text)
	assert.NoError(t, res.Err)
	assert.Equal(t, "Aye, the mines of Moria! ⛏️", strings.Join(rec.deltas, ""))
	assert.Equal(t, []string{
		"assistant:Well met!",
		"user:Tell me of home",
		"assistant:Aye, the mines of Moria! ⛏️",
	}, contents(res.Messages))
	require.Len(t, rec.reconciled, 1)
	assert.Equal(t, res.Messages, rec.reconciled[0])
}

func TestSendUpstreamFailure(t *testing.T) {
	e := setup(t, &streamtest.Source{Chunks: []string{"Aye"}, Err: errors.New("upstream reset")})
	rec := &recorder{}

	s, err := e.client.Send(context.Background(), e.conversationID, "Hello", rec.handlers())
	require.NoError(t, err)
	res := s.Wait()

	assert.Equal(t, frame.StateFailed, res.State)
	assert.Equal(t, stream.MsgGenerationFailed, res.Error)
	assert.Equal(t, []string{stream.MsgGenerationFailed}, rec.errors)
	assert.Equal(t, "Aye", res.Text)
	assert.Equal(t, []string{"assistant:Well met!", "user:Hello"}, contents(res.Messages))
}

func TestSendRejectedBeforeStreaming(t *testing.T) {
	e := setup(t, &streamtest.Source{Chunks: []string{"x"}})

	_, err := e.client.Send(context.Background(), e.conversationID, "   ", client.Handlers{})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "content is required", apiErr.Message)

	_, err = e.client.Send(context.Background(), "missing", "hi", client.Handlers{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestSendWithoutProvider(t *testing.T) {
	e := setup(t, nil)

	_, err := e.client.Send(context.Background(), e.conversationID, "hi", client.Handlers{})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestCancelAbortsWithoutPersisting(t *testing.T) {
	source := &streamtest.Source{
		Chunks: []string{"By my beard", ", this will ", "never be seen"},
		Step:   make(chan struct{}),
	}
	e := setup(t, source)

	first := make(chan struct{}, 1)
	rec := &recorder{}
	h := rec.handlers()
	onDelta := h.OnDelta
	h.OnDelta = func(content string) {
		onDelta(content)
		select {
		case first <- struct{}{}:
		default:
		}
	}

	s, err := e.client.Send(context.Background(), e.conversationID, "Speak", h)
	require.NoError(t, err)

	<-first
	assert.True(t, s.Cancel())
	require.Eventually(t, func() bool { return !e.locker.Active(e.conversationID) }, 2*time.Second, 10*time.Millisecond)
	close(source.Step)

	res := s.Wait()
	assert.Equal(t, frame.StateAborted, res.State)
	assert.Equal(t, "By my beard", res.Text)
	assert.Equal(t, []string{"By my beard"}, rec.deltas)
	assert.Equal(t, []string{"assistant:Well met!", "user:Speak"}, contents(res.Messages))

	messages, err := e.client.ListMessages(context.Background(), e.conversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{"assistant:Well met!", "user:Speak"}, contents(messages))
}

func TestCrudRoundTrip(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	characters, err := e.client.ListCharacters(ctx)
	require.NoError(t, err)
	require.Len(t, characters, 1)

	list, err := e.client.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e.conversationID, list[0].ID)

	detail, err := e.client.GetConversation(ctx, e.conversationID)
	require.NoError(t, err)
	require.NotNil(t, detail.Character)
	assert.Equal(t, "Gimli", detail.Character.Name)

	_, err = e.client.GetConversation(ctx, "missing")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
