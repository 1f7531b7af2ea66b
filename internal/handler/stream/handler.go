package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/lock"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	streamService "github.com/zhouzirui/z-chat/backend/internal/stream"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler 负责发送消息并以流的形式返回角色回复
type Handler struct {
	chatSvc  *chatService.Service
	producer *streamService.Producer
	locker   lock.Locker
	logger   *zap.Logger
}

// New creates a stream handler. producer may be nil when no completion
// provider is configured; sends are then refused with 503.
func New(chatSvc *chatService.Service, producer *streamService.Producer, locker lock.Locker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc:  chatSvc,
		producer: producer,
		locker:   locker,
		logger:   logger.Named("send"),
	}
}

// RegisterRoutes 注册发送消息与 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations/{id}/messages", h.handleSend)
	r.Get("/conversations/{id}/ws", h.handleWebSocket)
}

// rejection is a failure found before any frame was written.
type rejection struct {
	status  int
	message string
}

// admit runs every pre-stream check, takes the conversation's lease and
// persists the user message under it. On success the caller owns the lease.
func (h *Handler) admit(ctx context.Context, conversationID, content string) (lock.Lease, *rejection) {
	if strings.TrimSpace(content) == "" {
		return nil, &rejection{http.StatusBadRequest, "content is required"}
	}

	detail, err := h.chatSvc.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, chatService.ErrConversationNotFound) {
			return nil, &rejection{http.StatusNotFound, "conversation not found"}
		}
		h.logger.Error("load conversation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, &rejection{http.StatusInternalServerError, "internal server error"}
	}
	if detail.Character == nil {
		return nil, &rejection{http.StatusNotFound, "character not found"}
	}

	if h.producer == nil {
		return nil, &rejection{http.StatusServiceUnavailable, "completion provider is not configured"}
	}

	lease, err := h.locker.Acquire(ctx, conversationID)
	if err != nil {
		if errors.Is(err, lock.ErrSessionActive) {
			return nil, &rejection{http.StatusConflict, "a response is already streaming for this conversation"}
		}
		h.logger.Error("acquire session lease failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, &rejection{http.StatusInternalServerError, "internal server error"}
	}

	if _, err := h.chatSvc.AppendUserMessage(ctx, conversationID, content); err != nil {
		lease.Release()
		if errors.Is(err, chatService.ErrConversationNotFound) {
			return nil, &rejection{http.StatusNotFound, "conversation not found"}
		}
		h.logger.Error("save user message failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, &rejection{http.StatusInternalServerError, "failed to save message"}
	}

	return lease, nil
}

// handleSend 保存用户消息后以 SSE 推送回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sink, err := streamService.NewSSESink(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	lease, rej := h.admit(r.Context(), conversationID, payload.Content)
	if rej != nil {
		utils.RespondError(w, rej.status, rej.message)
		return
	}
	defer lease.Release()

	// Status and headers are final from here on; failures travel as frames.
	sink.Open()
	out := h.producer.Run(r.Context(), sink, conversationID)
	h.logOutcome(conversationID, "sse", out)
}

func (h *Handler) logOutcome(conversationID, transport string, out streamService.Outcome) {
	fields := []zap.Field{
		zap.String("conversation_id", conversationID),
		zap.String("transport", transport),
		zap.String("state", string(out.State)),
		zap.Int("deltas", out.Deltas),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	h.logger.Debug("send finished", fields...)
}
