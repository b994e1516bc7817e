package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/market2agent/internal/domain"
	"github.com/xela07ax/market2agent/internal/infra"
	"go.uber.org/zap"
)

type fakeLister struct {
	mu         sync.Mutex
	agents     []*domain.Agent
	heartbeats map[string]int
}

func (f *fakeLister) ListByStatus(_ context.Context, status domain.AgentStatus) ([]*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Agent
	for _, a := range f.agents {
		if a.Status == status {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeLister) RecordHeartbeat(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeats == nil {
		f.heartbeats = make(map[string]int)
	}
	f.heartbeats[agentID]++
	return nil
}

// memLocker — in-process замена Redis-блокировки с той же семантикой
// (владелец по токену, release чужим токеном не проходит).
type memLocker struct {
	mu   sync.Mutex
	held map[string]string
	seq  int
}

func newMemLocker() *memLocker { return &memLocker{held: make(map[string]string)} }

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("tok-%d", l.seq)
	l.held[key] = token
	return token, true, nil
}

func (l *memLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return false, nil
	}
	delete(l.held, key)
	return true, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	outcome  domain.RunOutcome
}

func (f *fakeExecutor) Execute(_ context.Context, agentID string) domain.RunOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, agentID)
	out := f.outcome
	out.AgentID = agentID
	return out
}

func (f *fakeExecutor) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func testConfig() infra.SchedulerConfig {
	return infra.SchedulerConfig{
		TickInterval:     time.Hour, // В тестах срабатывает только стартовый тик
		LockTTL:          600 * time.Second,
		ExecutionTimeout: 540 * time.Second,
		MaxWorkers:       4,
	}
}

// runScheduler гоняет Run до тех пор, пока исполнитель не накопит want
// прогонов (или не истечет дедлайн), затем дожидается полной остановки.
func runScheduler(t *testing.T, s *Scheduler, exec *fakeExecutor, want int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(exec.executedIDs()) < want {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("timed out: executed %d runs, want %d", len(exec.executedIDs()), want)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestTickDispatchesDueAgents(t *testing.T) {
	past := time.Now().Add(-200 * time.Hour)
	lister := &fakeLister{agents: []*domain.Agent{
		{AgentID: "a-due", Status: domain.StatusRunning, Plan: domain.PlanPro, LastRunAt: &past},
		{AgentID: "a-fresh", Status: domain.StatusRunning, Plan: domain.PlanPro, LastRunAt: timePtr(time.Now().Add(-time.Hour))},
		{AgentID: "a-paused", Status: domain.StatusPaused, Plan: domain.PlanPro},
	}}
	locker := newMemLocker()
	exec := &fakeExecutor{outcome: domain.RunOutcome{Status: domain.RunSuccess}}

	s := New(lister, locker, exec, nil, NewMetrics(nil), zap.NewNop(), testConfig())
	runScheduler(t, s, exec, 1)

	got := exec.executedIDs()
	if len(got) != 1 || got[0] != "a-due" {
		t.Errorf("executed = %v, want [a-due]", got)
	}
}

func TestTickHeartbeatsEvenWhenNotDue(t *testing.T) {
	lister := &fakeLister{agents: []*domain.Agent{
		{AgentID: "a-1", Status: domain.StatusRunning, Plan: domain.PlanPro},
		{AgentID: "a-2", Status: domain.StatusRunning, Plan: domain.PlanPro, LastRunAt: timePtr(time.Now().Add(-time.Minute))},
	}}
	locker := newMemLocker()
	exec := &fakeExecutor{outcome: domain.RunOutcome{Status: domain.RunSuccess}}

	s := New(lister, locker, exec, nil, NewMetrics(nil), zap.NewNop(), testConfig())
	runScheduler(t, s, exec, 1) // Запуск положен только a-1

	lister.mu.Lock()
	defer lister.mu.Unlock()
	if lister.heartbeats["a-1"] == 0 {
		t.Error("no heartbeat for due agent")
	}
	if lister.heartbeats["a-2"] == 0 {
		t.Error("no heartbeat for not-due agent: heartbeat must not depend on dispatch")
	}
}

func TestTickSkipsLockedAgent(t *testing.T) {
	lister := &fakeLister{agents: []*domain.Agent{
		{AgentID: "a-busy", Status: domain.StatusRunning, Plan: domain.PlanPro},
		{AgentID: "a-free", Status: domain.StatusRunning, Plan: domain.PlanPro},
	}}
	locker := newMemLocker()
	// Чужой инстанс уже держит блокировку a-busy
	if _, ok, _ := locker.Acquire(context.Background(), infra.AgentLockKey("a-busy"), time.Minute); !ok {
		t.Fatal("test setup: pre-acquire failed")
	}

	exec := &fakeExecutor{outcome: domain.RunOutcome{Status: domain.RunSuccess}}
	s := New(lister, locker, exec, nil, NewMetrics(nil), zap.NewNop(), testConfig())
	runScheduler(t, s, exec, 1)

	got := exec.executedIDs()
	if len(got) != 1 || got[0] != "a-free" {
		t.Errorf("executed = %v, want [a-free]", got)
	}
}

func TestLockReleasedAfterRun(t *testing.T) {
	lister := &fakeLister{agents: []*domain.Agent{
		{AgentID: "a-1", Status: domain.StatusRunning, Plan: domain.PlanPro},
	}}
	locker := newMemLocker()
	// Исход failed: блокировка отпускается независимо от исхода
	exec := &fakeExecutor{outcome: domain.RunOutcome{Status: domain.RunFailed, Failed: 3}}

	s := New(lister, locker, exec, nil, NewMetrics(nil), zap.NewNop(), testConfig())
	runScheduler(t, s, exec, 1)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.held) != 0 {
		t.Errorf("locks still held after shutdown: %v", locker.held)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
