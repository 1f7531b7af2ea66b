package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/handler/character"
	"github.com/zhouzirui/z-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/z-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/z-chat/backend/internal/lock"
	middlewarePkg "github.com/zhouzirui/z-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	streamService "github.com/zhouzirui/z-chat/backend/internal/stream"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Dependencies 汇总路由所需的服务。Producer 为空时发送接口返回 503。
type Dependencies struct {
	Chat     *chatService.Service
	Producer *streamService.Producer
	Locker   lock.Locker
	Logger   *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Create handlers
	characterHandler := character.New(deps.Chat, logger)
	chatHandler := chat.New(deps.Chat, logger)
	streamHandler := stream.New(deps.Chat, deps.Producer, deps.Locker, logger)

	r.Route("/api", func(api chi.Router) {
		characterHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}
