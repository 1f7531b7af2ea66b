package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler 会话服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	logger  *zap.Logger
}

// New 创建会话处理器
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{chatSvc: chatSvc, logger: logger}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleListConversations)
	r.Post("/conversations", h.handleCreateConversation)
	r.Get("/conversations/{id}", h.handleGetConversation)
	r.Delete("/conversations/{id}", h.handleDeleteConversation)
	r.Get("/conversations/{id}/messages", h.handleListMessages)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatSvc.ListConversations(r.Context())
	if err != nil {
		h.internalError(w, "list conversations failed", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, convs)
}

// handleCreateConversation 创建会话，角色开场白作为第一条消息写入
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CharacterID string `json:"characterId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	detail, err := h.chatSvc.CreateConversation(r.Context(), payload.CharacterID)
	switch {
	case errors.Is(err, chatService.ErrCharacterRequired):
		utils.RespondError(w, http.StatusBadRequest, "characterId is required")
		return
	case errors.Is(err, chatService.ErrCharacterNotFound):
		utils.RespondError(w, http.StatusBadRequest, "character not found")
		return
	case err != nil:
		h.internalError(w, "create conversation failed", err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, detail)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	detail, err := h.chatSvc.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, chatService.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.internalError(w, "get conversation failed", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, chatService.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.internalError(w, "delete conversation failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages 返回会话的完整消息记录，客户端在每次流结束后以此对账
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.chatSvc.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, chatService.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.internalError(w, "list messages failed", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msgs)
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	utils.RespondError(w, http.StatusInternalServerError, "internal server error")
}
