package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	relayService "github.com/zhouzirui/vision-kiosk/backend/internal/service/relay"
	sessionService "github.com/zhouzirui/vision-kiosk/backend/internal/service/session"
	"github.com/zhouzirui/vision-kiosk/backend/pkg/utils"
)

// Handler 会话管理的HTTP处理器
type Handler struct {
	relay *relayService.Service
}

// New 创建会话处理器
func New(svc *relayService.Service) *Handler {
	return &Handler{relay: svc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/session/{sessionID}", h.handleGetSession)
}

// handleCreateSession 由展台调用，分配新的会话码
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.relay.CreateSession(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{"sessionId": session.ID})
}

// handleGetSession 查询会话在线状态
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "sessionID")))

	session, err := h.relay.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, sessionService.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, session)
}
