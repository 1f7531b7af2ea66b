package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	streamService "github.com/zhouzirui/z-chat/backend/internal/stream"
	"github.com/zhouzirui/z-chat/backend/pkg/frame"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// rejectionMessage answers a send refused while another session streams on the
// same socket. It is plain JSON, never a `data:` frame, so it cannot be mistaken
// for part of the running reply.
type rejectionMessage struct {
	Type    string `json:"type"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// handleWebSocket 通过 WebSocket 发送消息，帧格式与 SSE 相同
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if _, err := h.chatSvc.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, chatService.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("load conversation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("conversation_id", conversationID), zap.String("transport", "websocket"))
	logger.Debug("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := streamService.NewWebSocketSink(conn, wsWriteWait)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go pingLoop(ctx, conn)

	inbound := make(chan inboundMessage)
	go func() {
		// a closed socket ends every session on this connection
		defer cancel()
		for {
			var msg inboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("websocket read error", zap.Error(err))
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		sessionCancel context.CancelFunc
		sessionDone   chan struct{}
	)
	defer func() {
		if sessionCancel != nil {
			sessionCancel()
			<-sessionDone
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sessionDone:
			sessionCancel, sessionDone = nil, nil

		case msg := <-inbound:
			switch msg.Type {
			case "cancel":
				if sessionCancel != nil {
					sessionCancel()
				}

			case "send":
				lease, rej := h.admit(ctx, conversationID, msg.Content)
				if rej != nil {
					if sessionCancel != nil {
						// leave the running session and its frames alone
						reject(logger, sink, rej.status, rej.message)
						continue
					}
					closeWithError(conn, sink, rej.message)
					return
				}

				sessionCtx, stop := context.WithCancel(ctx)
				done := make(chan struct{})
				sessionCancel, sessionDone = stop, done

				go func() {
					defer close(done)
					defer lease.Release()
					defer stop()
					out := h.producer.Run(sessionCtx, sink, conversationID)
					h.logOutcome(conversationID, "websocket", out)
				}()

			default:
				message := "unsupported message type: " + msg.Type
				if sessionCancel != nil {
					reject(logger, sink, http.StatusBadRequest, message)
					continue
				}
				closeWithError(conn, sink, message)
				return
			}
		}
	}
}

func reject(logger *zap.Logger, sink *streamService.WebSocketSink, status int, message string) {
	logger.Info("websocket send rejected", zap.Int("status", status), zap.String("reason", message))
	if err := sink.SendJSON(rejectionMessage{Type: "rejected", Status: status, Message: message}); err != nil {
		logger.Debug("write rejection failed", zap.Error(err))
	}
}

// closeWithError sends a pre-stream failure as an error frame and closes the socket.
func closeWithError(conn *websocket.Conn, sink *streamService.WebSocketSink, message string) {
	_ = sink.Send(frame.Failure(message))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
