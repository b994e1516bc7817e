package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xela07ax/market2agent/internal/domain"
	"go.uber.org/zap"
)

type fakeApplier struct {
	applied []domain.BillingEvent
	agent   *domain.Agent
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, ev domain.BillingEvent) (*domain.Agent, error) {
	f.applied = append(f.applied, ev)
	return f.agent, f.err
}

const webhookSecret = "test-secret"

func postWebhook(h *BillingHandler, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)
	return rec
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	applier := &fakeApplier{}
	h := NewBillingHandler(applier, webhookSecret, zap.NewNop())

	body := `{"type":"checkout.session.completed","subscription_id":"sub-1"}`

	if rec := postWebhook(h, "wrong", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: code = %d, want 401", rec.Code)
	}
	if rec := postWebhook(h, "", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: code = %d, want 401", rec.Code)
	}
	if len(applier.applied) != 0 {
		t.Error("event reached applier despite bad secret")
	}
}

func TestWebhookAppliesEvent(t *testing.T) {
	applier := &fakeApplier{agent: &domain.Agent{AgentID: "agent-1", Status: domain.StatusRunning}}
	h := NewBillingHandler(applier, webhookSecret, zap.NewNop())

	body := `{
		"type": "checkout.session.completed",
		"occurred_at": "2026-03-10T12:00:00Z",
		"subscription_id": "sub-1",
		"owner_id": "user-1",
		"plan": "pro"
	}`

	rec := postWebhook(h, webhookSecret, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
	if len(applier.applied) != 1 {
		t.Fatalf("applied %d events, want 1", len(applier.applied))
	}

	ev := applier.applied[0]
	if ev.Kind != domain.EventCheckoutCompleted {
		t.Errorf("kind = %s", ev.Kind)
	}
	if ev.SubscriptionID != "sub-1" || ev.Payload.OwnerID != "user-1" || ev.Payload.Plan != "pro" {
		t.Errorf("event mapped incorrectly: %+v", ev)
	}
	if !strings.Contains(rec.Body.String(), "agent-1") {
		t.Errorf("response misses agent_id: %s", rec.Body.String())
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	applier := &fakeApplier{}
	h := NewBillingHandler(applier, webhookSecret, zap.NewNop())

	if rec := postWebhook(h, webhookSecret, "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("garbage body: code = %d, want 400", rec.Code)
	}
	if rec := postWebhook(h, webhookSecret, `{"type":"checkout.session.completed"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing subscription_id: code = %d, want 400", rec.Code)
	}
}
