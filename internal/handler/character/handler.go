package character

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler 角色服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	logger  *zap.Logger
}

// New 创建角色处理器
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{chatSvc: chatSvc, logger: logger}
}

// RegisterRoutes 注册角色相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/characters", h.handleListCharacters)
	r.Get("/characters/{id}", h.handleGetCharacter)
	r.Post("/characters", h.handleCreateCharacter)
}

// handleListCharacters 列出所有角色
func (h *Handler) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	characters, err := h.chatSvc.ListCharacters(r.Context())
	if err != nil {
		h.logger.Error("list characters failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, characters)
}

func (h *Handler) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := h.chatSvc.GetCharacter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, chatService.ErrCharacterNotFound) {
			utils.RespondError(w, http.StatusNotFound, "character not found")
			return
		}
		h.logger.Error("get character failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, c)
}

// handleCreateCharacter 创建角色
func (h *Handler) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name      string `json:"name"`
		Persona   string `json:"persona"`
		Greeting  string `json:"greeting"`
		AvatarURL string `json:"avatarUrl"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.chatSvc.CreateCharacter(r.Context(), character.Character{
		Name:      payload.Name,
		Persona:   payload.Persona,
		Greeting:  payload.Greeting,
		AvatarURL: payload.AvatarURL,
	})
	switch {
	case errors.Is(err, chatService.ErrNameRequired), errors.Is(err, chatService.ErrPersonaRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("create character failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, created)
}
