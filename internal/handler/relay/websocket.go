package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
	relayService "github.com/zhouzirui/vision-kiosk/backend/internal/service/relay"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/session"
)

// Close codes sent when a connection is refused after the upgrade, so that
// browsers can read the reason.
const (
	CloseSessionNotFound = 4000
	CloseInvalidRole     = 4001
	CloseRoleConflict    = 4002
)

// WebSocketHandler WebSocket 中继入口
type WebSocketHandler struct {
	relay    *relayService.Service
	cfg      config.RelayConfig
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(svc *relayService.Service, cfg config.RelayConfig) *WebSocketHandler {
	return &WebSocketHandler{
		relay: svc,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			// 设备页面可能来自局域网任意地址，会话码即访问凭据
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// handleWebSocket 处理 /ws?session=ID&role=tablet|kiosk
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := strings.ToUpper(strings.TrimSpace(query.Get("session")))
	rawRole := query.Get("role")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(h.cfg.MaxFrameBytes)

	role, err := protocol.ParseRole(rawRole)
	if err != nil {
		h.reject(ws, sessionID, err)
		return
	}

	clock := h.relay.Registry().Clock()
	conn := newConnection(ws, sessionID, role, h.cfg.SendBuffer, h.cfg.WriteTimeout, clock)

	// Connect only queues frames, the pump starts once the slot is ours.
	if err := h.relay.Connect(r.Context(), sessionID, role, conn); err != nil {
		h.reject(ws, sessionID, err)
		return
	}

	go conn.writePump(h.cfg.PingInterval, h.cfg.HeartbeatInterval)
	h.readLoop(conn)
}

func (h *WebSocketHandler) readLoop(conn *connection) {
	logger := log.With().Str("session_id", conn.sessionID).Str("role", conn.role.String()).Logger()
	ws := conn.ws
	clock := h.relay.Registry().Clock()

	defer func() {
		h.relay.Disconnect(context.Background(), conn.sessionID, conn.role, conn)
		_ = conn.Close()
	}()

	_ = ws.SetReadDeadline(clock.Now().Add(h.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(clock.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = ws.SetReadDeadline(clock.Now().Add(h.cfg.ReadTimeout))

		if messageType != websocket.TextMessage {
			logger.Debug().Int("message_type", messageType).Msg("dropping non-text frame")
			continue
		}

		err = h.relay.Forward(context.Background(), conn.sessionID, conn.role, data)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrMalformed):
			logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		case errors.Is(err, relayService.ErrServerOnlyFrame):
			logger.Warn().Err(err).Msg("dropping client frame reserved for the relay")
		case errors.Is(err, relayService.ErrPeerAbsent):
			logger.Debug().Err(err).Msg("peer offline, frame dropped")
		default:
			logger.Debug().Err(err).Msg("forward failed")
		}
	}
}

// reject tells the client why the connection is refused and closes it.
func (h *WebSocketHandler) reject(ws *websocket.Conn, sessionID string, cause error) {
	code, closeCode := rejection(cause)
	log.Info().Err(cause).Str("session_id", sessionID).Str("code", code).Msg("websocket connection rejected")

	deadline := time.Now().Add(h.cfg.WriteTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if frame, err := protocol.Encode(protocol.Error(code, cause.Error())); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, code), deadline)
	_ = ws.Close()
}

func rejection(err error) (string, int) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.CodeSessionNotFound, CloseSessionNotFound
	case errors.Is(err, protocol.ErrInvalidRole):
		return protocol.CodeInvalidRole, CloseInvalidRole
	case errors.Is(err, session.ErrRoleConflict):
		return protocol.CodeRoleConflict, CloseRoleConflict
	default:
		return "InternalError", websocket.CloseInternalServerErr
	}
}
