package provisioner

import (
	"context"
	"testing"
	"time"

	"github.com/xela07ax/market2agent/internal/domain"
	"go.uber.org/zap"
)

// memStore — минимальное in-memory хранилище для тестов провижинера.
type memStore struct {
	agents           map[string]*domain.Agent // по subscription_id
	relationsSevered map[string]bool
	synced           map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		agents:           make(map[string]*domain.Agent),
		relationsSevered: make(map[string]bool),
		synced:           make(map[string]bool),
	}
}

func (s *memStore) GetBySubscription(_ context.Context, subID string) (*domain.Agent, error) {
	if a, ok := s.agents[subID]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) GetByID(_ context.Context, agentID string) (*domain.Agent, error) {
	for _, a := range s.agents {
		if a.AgentID == agentID {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateAgent(_ context.Context, a *domain.Agent) (*domain.Agent, error) {
	if existing, ok := s.agents[a.SubscriptionID]; ok {
		existing.Plan = a.Plan
		copied := *existing
		return &copied, nil
	}
	copied := *a
	copied.CreatedAt = time.Now()
	s.agents[a.SubscriptionID] = &copied
	out := copied
	return &out, nil
}

func (s *memStore) UpdateStatus(_ context.Context, agentID string, status domain.AgentStatus, reason string, eventAt *time.Time) error {
	for _, a := range s.agents {
		if a.AgentID == agentID {
			a.Status = status
			if status == domain.StatusPaused {
				a.PausedReason = reason
			} else {
				a.PausedReason = ""
			}
			if eventAt != nil {
				t := *eventAt
				a.LastEventAt = &t
			}
			return nil
		}
	}
	return nil
}

func (s *memStore) ResetErrorCount(_ context.Context, agentID string) error {
	for _, a := range s.agents {
		if a.AgentID == agentID {
			a.ErrorCount = 0
		}
	}
	return nil
}

func (s *memStore) DeleteRelations(_ context.Context, agentID string) error {
	s.relationsSevered[agentID] = true
	return nil
}

func (s *memStore) SyncDomains(_ context.Context, agentID, _ string) error {
	s.synced[agentID] = true
	return nil
}

func newTestProvisioner(store *memStore) *Provisioner {
	return New(store, NopSignal{}, zap.NewNop())
}

func checkoutEvent(subID string) domain.BillingEvent {
	return domain.BillingEvent{
		Kind:           domain.EventCheckoutCompleted,
		SubscriptionID: subID,
		OccurredAt:     time.Now(),
		Payload:        domain.EventPayload{OwnerID: "user-1", Plan: domain.PlanPro},
	}
}

func TestApplyCheckoutCreatesRunningAgent(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)

	agent, err := p.Apply(context.Background(), checkoutEvent("sub-1"))
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if agent == nil {
		t.Fatal("expected agent, got nil")
	}
	if agent.Status != domain.StatusRunning {
		t.Errorf("new agent status = %s, want running", agent.Status)
	}
	if agent.ErrorCount != 0 {
		t.Errorf("new agent error_count = %d, want 0", agent.ErrorCount)
	}
	if agent.AgentID == "" {
		t.Error("agent_id was not generated")
	}
}

func TestApplyCheckoutIsIdempotent(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)

	first, err := p.Apply(context.Background(), checkoutEvent("sub-1"))
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	second, err := p.Apply(context.Background(), checkoutEvent("sub-1"))
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	if first.AgentID != second.AgentID {
		t.Errorf("duplicate checkout created a new agent: %s != %s", first.AgentID, second.AgentID)
	}
	if len(store.agents) != 1 {
		t.Errorf("expected 1 agent in store, got %d", len(store.agents))
	}
}

func TestApplyUnknownPlanRejected(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)

	ev := checkoutEvent("sub-1")
	ev.Payload.Plan = "enterprise-unobtainium"

	if _, err := p.Apply(context.Background(), ev); err == nil {
		t.Fatal("expected error for unknown plan, got nil")
	}
	if len(store.agents) != 0 {
		t.Error("agent was created despite unknown plan")
	}
}

func TestApplyPaymentFailurePausesAgent(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)

	if _, err := p.Apply(context.Background(), checkoutEvent("sub-1")); err != nil {
		t.Fatal(err)
	}

	agent, err := p.Apply(context.Background(), domain.BillingEvent{
		Kind:           domain.EventInvoicePaymentFail,
		SubscriptionID: "sub-1",
		OccurredAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if agent.Status != domain.StatusPaused {
		t.Errorf("status = %s, want paused", agent.Status)
	}
	if agent.PausedReason != "payment_failed" {
		t.Errorf("paused_reason = %q, want payment_failed", agent.PausedReason)
	}
}

func TestApplyRecoveryResumesAndClearsReason(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)
	ctx := context.Background()

	if _, err := p.Apply(ctx, checkoutEvent("sub-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Apply(ctx, domain.BillingEvent{
		Kind: domain.EventInvoicePaymentFail, SubscriptionID: "sub-1", OccurredAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	agent, err := p.Apply(ctx, domain.BillingEvent{
		Kind:           domain.EventSubscriptionUpdated,
		SubscriptionID: "sub-1",
		OccurredAt:     time.Now(),
		Payload:        domain.EventPayload{SubStatus: domain.SubStatusActive},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if agent.Status != domain.StatusRunning {
		t.Errorf("status = %s, want running", agent.Status)
	}
	if agent.PausedReason != "" {
		t.Errorf("paused_reason = %q, want cleared", agent.PausedReason)
	}
}

func TestApplySubscriptionDeletedStopsAndSevers(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)
	ctx := context.Background()

	created, err := p.Apply(ctx, checkoutEvent("sub-1"))
	if err != nil {
		t.Fatal(err)
	}

	agent, err := p.Apply(ctx, domain.BillingEvent{
		Kind: domain.EventSubscriptionDeleted, SubscriptionID: "sub-1", OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if agent.Status != domain.StatusStopped {
		t.Errorf("status = %s, want stopped", agent.Status)
	}
	if !store.relationsSevered[created.AgentID] {
		t.Error("monitoring relations were not severed on stop")
	}

	// Терминальность: последующие события ничего не меняют
	after, err := p.Apply(ctx, domain.BillingEvent{
		Kind:           domain.EventSubscriptionUpdated,
		SubscriptionID: "sub-1",
		OccurredAt:     time.Now(),
		Payload:        domain.EventPayload{SubStatus: domain.SubStatusActive},
	})
	if err != nil {
		t.Fatalf("Apply after stop: %v", err)
	}
	if after.Status != domain.StatusStopped {
		t.Errorf("stopped agent changed status to %s", after.Status)
	}
}

func TestApplyStaleEventDropped(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)
	ctx := context.Background()

	now := time.Now()

	ev := checkoutEvent("sub-1")
	ev.OccurredAt = now
	if _, err := p.Apply(ctx, ev); err != nil {
		t.Fatal(err)
	}

	// Восстановление оплаты пришло и применилось
	if _, err := p.Apply(ctx, domain.BillingEvent{
		Kind:           domain.EventSubscriptionUpdated,
		SubscriptionID: "sub-1",
		OccurredAt:     now.Add(2 * time.Minute),
		Payload:        domain.EventPayload{SubStatus: domain.SubStatusActive},
	}); err != nil {
		t.Fatal(err)
	}

	// Запоздавший payment_failed (старше последнего события) не должен перепаузить
	agent, err := p.Apply(ctx, domain.BillingEvent{
		Kind:           domain.EventInvoicePaymentFail,
		SubscriptionID: "sub-1",
		OccurredAt:     now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if agent.Status != domain.StatusRunning {
		t.Errorf("stale payment_failed re-paused the agent: status = %s", agent.Status)
	}
}

func TestApplyUnknownKindIgnored(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)

	agent, err := p.Apply(context.Background(), domain.BillingEvent{
		Kind:           "customer.discount.created",
		SubscriptionID: "sub-1",
	})
	if err != nil {
		t.Fatalf("unknown event kind must not fail: %v", err)
	}
	if agent != nil {
		t.Errorf("unexpected agent for unknown event: %+v", agent)
	}
}

func TestAdminRestartResetsErrors(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)
	ctx := context.Background()

	created, err := p.Apply(ctx, checkoutEvent("sub-1"))
	if err != nil {
		t.Fatal(err)
	}

	// Загоняем агента в errored руками (как это сделал бы Runner)
	store.agents["sub-1"].Status = domain.StatusErrored
	store.agents["sub-1"].ErrorCount = 5

	if err := p.AdminRestart(ctx, created.AgentID); err != nil {
		t.Fatalf("AdminRestart: %v", err)
	}

	got := store.agents["sub-1"]
	if got.Status != domain.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.ErrorCount != 0 {
		t.Errorf("error_count = %d, want 0", got.ErrorCount)
	}
}

func TestAdminRestartOnlyFromErrored(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)
	ctx := context.Background()

	created, err := p.Apply(ctx, checkoutEvent("sub-1"))
	if err != nil {
		t.Fatal(err)
	}

	if err := p.AdminRestart(ctx, created.AgentID); err == nil {
		t.Error("expected error restarting a running agent")
	}
}

func TestResyncRefusesStoppedAgent(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store)
	ctx := context.Background()

	created, err := p.Apply(ctx, checkoutEvent("sub-1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Resync(ctx, created.AgentID); err != nil {
		t.Fatalf("Resync on running agent: %v", err)
	}
	if !store.synced[created.AgentID] {
		t.Error("SyncDomains was not invoked")
	}

	store.agents["sub-1"].Status = domain.StatusStopped
	if err := p.Resync(ctx, created.AgentID); err == nil {
		t.Error("expected error resyncing a stopped agent")
	}
}
