package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/market2agent/internal/console/service"
	"github.com/xela07ax/market2agent/internal/infra/auth"
	"go.uber.org/zap"
)

type AgentHandler struct {
	service *service.AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

// Me — развернутый статус агентов пользователя: агент + домены + история.
func (h *AgentHandler) Me(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	if ownerID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	views, err := h.service.OwnerStatus(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("owner status failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, views)
}

// MeStatus — легковесный поллинг состояния (has_agent, status, heartbeat).
// Ходит фронт раз в несколько секунд, поэтому без доменов и истории.
func (h *AgentHandler) MeStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserIDFromContext(r.Context())
	if ownerID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	poll, err := h.service.OwnerPoll(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("owner poll failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, poll)
}

// List — все агенты платформы (только админ).
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	agents, err := h.service.ListAgents(r.Context(), limit)
	if err != nil {
		h.logger.Error("agent list failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, agents)
}

// Stop — принудительная остановка агента (kill-switch подписки).
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.service.StopAgent)
}

// Start — рестарт errored-агента со сбросом счетчика ошибок.
func (h *AgentHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.service.StartAgent)
}

// Resync — пересборка снапшота доменов агента.
func (h *AgentHandler) Resync(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.service.ResyncAgent)
}

func (h *AgentHandler) adminAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, agentID string) error) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		http.Error(w, "agent id is required", http.StatusBadRequest)
		return
	}

	if err := action(r.Context(), agentID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		h.logger.Error("admin action failed",
			zap.String("agent_id", agentID), zap.Error(err))
		// Недопустимый переход (например, start не из errored) — вина клиента
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
