package events

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	sessionService "github.com/zhouzirui/anime-finder/backend/internal/service/session"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Handler WebSocket状态推送处理器，每次会话变化都会推送最新快照
type Handler struct {
	sessions *sessionService.Manager
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(sessions *sessionService.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string `json:"type"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctrl, err := h.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("session", sessionID))
	logger.Info("websocket connected")

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	refresh := make(chan struct{}, 1)
	go h.readLoop(ctx, cancel, conn, refresh, logger)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	if !h.pushSnapshot(ctx, conn, ctrl, logger) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			logger.Info("websocket closed")
			return
		case <-updates:
			if !h.pushSnapshot(ctx, conn, ctrl, logger) {
				return
			}
		case <-refresh:
			if !h.pushSnapshot(ctx, conn, ctrl, logger) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop 读取客户端消息；连接断开时取消上下文
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, refresh chan<- struct{}, logger *zap.Logger) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "refresh":
			select {
			case refresh <- struct{}{}:
			case <-ctx.Done():
				return
			default:
			}
		default:
			logger.Debug("ignoring websocket message", zap.String("type", msg.Type))
		}
	}
}

func (h *Handler) pushSnapshot(ctx context.Context, conn *websocket.Conn, ctrl *sessionService.Controller, logger *zap.Logger) bool {
	snap, err := ctrl.Snapshot(ctx)
	if err != nil {
		logger.Error("snapshot failed", zap.Error(err))
		return h.write(conn, outgoingMessage{
			Type:      "error",
			Data:      map[string]string{"message": "session state unavailable"},
			Timestamp: time.Now().Unix(),
		}, logger)
	}
	return h.write(conn, outgoingMessage{
		Type:      "snapshot",
		SessionID: ctrl.ID(),
		Data:      snap,
		Timestamp: time.Now().Unix(),
	}, logger)
}

func (h *Handler) write(conn *websocket.Conn, msg outgoingMessage, logger *zap.Logger) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		logger.Warn("websocket write failed", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return true
}
