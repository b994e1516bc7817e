package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/market2agent/internal/domain"
	"github.com/xela07ax/market2agent/internal/runfs"
	"go.uber.org/zap"
)

type fakeProvider struct {
	agents []*domain.Agent
	runs   map[string][]runfs.RunEvent
	edges  map[string][]string
}

func (f *fakeProvider) ListAll(_ context.Context, _ int) ([]*domain.Agent, error) {
	return f.agents, nil
}

func (f *fakeProvider) ListByOwner(_ context.Context, ownerID string) ([]*domain.Agent, error) {
	var out []*domain.Agent
	for _, a := range f.agents {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeProvider) GetByID(_ context.Context, agentID string) (*domain.Agent, error) {
	for _, a := range f.agents {
		if a.AgentID == agentID {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeProvider) Domains(_ context.Context, agentID string, _ int) ([]string, error) {
	return f.edges[agentID], nil
}

func (f *fakeProvider) RecentRuns(_ context.Context, agentID string, _ int) ([]runfs.RunEvent, error) {
	return f.runs[agentID], nil
}

type fakeAdmin struct {
	stopped   []string
	restarted []string
	resynced  []string
}

func (f *fakeAdmin) AdminStop(_ context.Context, agentID string) error {
	f.stopped = append(f.stopped, agentID)
	return nil
}

func (f *fakeAdmin) AdminRestart(_ context.Context, agentID string) error {
	f.restarted = append(f.restarted, agentID)
	return nil
}

func (f *fakeAdmin) Resync(_ context.Context, agentID string) error {
	f.resynced = append(f.resynced, agentID)
	return nil
}

func TestOwnerPoll(t *testing.T) {
	hb := time.Now()
	provider := &fakeProvider{agents: []*domain.Agent{
		{
			AgentID: "agent-1", OwnerID: "user-1", Plan: domain.PlanPro,
			Status: domain.StatusPaused, PausedReason: "payment_failed",
			LastHeartbeat: &hb, LastRunStatus: domain.RunSuccess,
		},
	}}
	svc := NewAgentService(provider, &fakeAdmin{}, zap.NewNop())

	poll, err := svc.OwnerPoll(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("OwnerPoll: %v", err)
	}
	if !poll.HasAgent {
		t.Fatal("has_agent = false for owner with agent")
	}
	if poll.Status != domain.StatusPaused || poll.PausedReason != "payment_failed" {
		t.Errorf("poll = %+v", poll)
	}

	empty, err := svc.OwnerPoll(context.Background(), "user-without-agent")
	if err != nil {
		t.Fatalf("OwnerPoll (empty): %v", err)
	}
	if empty.HasAgent {
		t.Error("has_agent = true for owner without agent")
	}
}

func TestOwnerStatusCollectsDomainsAndRuns(t *testing.T) {
	provider := &fakeProvider{
		agents: []*domain.Agent{
			{AgentID: "agent-1", OwnerID: "user-1", Plan: domain.PlanPro, Status: domain.StatusRunning},
		},
		edges: map[string][]string{"agent-1": {"a.example", "b.example"}},
		runs: map[string][]runfs.RunEvent{
			"agent-1": {{ID: "run-1", AgentID: "agent-1", Domain: "a.example", Status: "success"}},
		},
	}
	svc := NewAgentService(provider, &fakeAdmin{}, zap.NewNop())

	views, err := svc.OwnerStatus(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("OwnerStatus: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	v := views[0]
	if len(v.Domains) != 2 || len(v.RecentRuns) != 1 {
		t.Errorf("view domains/runs = %d/%d, want 2/1", len(v.Domains), len(v.RecentRuns))
	}
	if v.Limits.MaxDomains != 10 {
		t.Errorf("limits not populated: %+v", v.Limits)
	}
}

func TestAdminActionsRequireExistingAgent(t *testing.T) {
	provider := &fakeProvider{agents: []*domain.Agent{
		{AgentID: "agent-1", OwnerID: "user-1", Status: domain.StatusRunning},
	}}
	admin := &fakeAdmin{}
	svc := NewAgentService(provider, admin, zap.NewNop())
	ctx := context.Background()

	if err := svc.StopAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("StopAgent: %v", err)
	}
	if err := svc.StartAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if err := svc.ResyncAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("ResyncAgent: %v", err)
	}
	if len(admin.stopped) != 1 || len(admin.restarted) != 1 || len(admin.resynced) != 1 {
		t.Errorf("admin calls = %+v", admin)
	}

	if err := svc.StopAgent(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("StopAgent(ghost) = %v, want ErrNotFound", err)
	}
}
