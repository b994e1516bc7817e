package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/xela07ax/market2agent/internal/domain"
	"go.uber.org/zap"
)

// EventApplier — провижинер с точки зрения вебхука.
type EventApplier interface {
	Apply(ctx context.Context, ev domain.BillingEvent) (*domain.Agent, error)
}

type BillingHandler struct {
	applier EventApplier
	secret  string
	logger  *zap.Logger
}

func NewBillingHandler(applier EventApplier, secret string, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{
		applier: applier,
		secret:  secret,
		logger:  logger.Named("billing-webhook"),
	}
}

// webhookPayload — нормализованное тело вебхука от биллинг-прокси.
type webhookPayload struct {
	Type               string    `json:"type"`
	OccurredAt         time.Time `json:"occurred_at"`
	SubscriptionID     string    `json:"subscription_id"`
	OwnerID            string    `json:"owner_id,omitempty"`
	Plan               string    `json:"plan,omitempty"`
	SubscriptionStatus string    `json:"subscription_status,omitempty"`
}

// Webhook принимает события биллинга. Ответ 200 означает "событие принято
// и применено": биллинг-прокси ретраит все остальное, поэтому временные
// сбои отдаем как 500, а мусор в теле — как 400 (ретраить его бессмысленно).
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		h.logger.Warn("webhook rejected: bad secret", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if payload.Type == "" || payload.SubscriptionID == "" {
		http.Error(w, "type and subscription_id are required", http.StatusBadRequest)
		return
	}

	ev := domain.BillingEvent{
		Kind:           payload.Type,
		SubscriptionID: payload.SubscriptionID,
		OccurredAt:     payload.OccurredAt,
		Payload: domain.EventPayload{
			OwnerID:   payload.OwnerID,
			Plan:      payload.Plan,
			SubStatus: payload.SubscriptionStatus,
		},
	}

	agent, err := h.applier.Apply(r.Context(), ev)
	if err != nil {
		h.logger.Error("webhook apply failed",
			zap.String("kind", ev.Kind),
			zap.String("subscription_id", ev.SubscriptionID),
			zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{"received": true}
	if agent != nil {
		resp["agent_id"] = agent.AgentID
		resp["status"] = agent.Status
	}
	writeJSON(w, resp)
}
